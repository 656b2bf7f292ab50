package auth

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// APIKeyValidator compares a presented key against a configured allow-list
// using constant-time comparison. The allow-list is swapped atomically so a
// file-backed validator can hot-reload without locking the request path.
type APIKeyValidator struct {
	keys atomic.Pointer[[][]byte]
	log  *slog.Logger

	watcher *fsnotify.Watcher
}

var _ Validator = (*APIKeyValidator)(nil)

// NewAPIKeyValidator builds a validator over a static set of accepted keys.
func NewAPIKeyValidator(accepted []string, log *slog.Logger) *APIKeyValidator {
	if log == nil {
		log = slog.Default()
	}
	v := &APIKeyValidator{log: log}
	v.setKeys(accepted)
	return v
}

// NewAPIKeyValidatorFromFile builds a validator whose allow-list is read from
// a file (one key per line, '#' starts a comment) and reloaded whenever the
// file changes.
func NewAPIKeyValidatorFromFile(path string, log *slog.Logger) (*APIKeyValidator, error) {
	if log == nil {
		log = slog.Default()
	}
	v := &APIKeyValidator{log: log}
	if err := v.loadFile(path); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create key file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch key file %q: %w", path, err)
	}
	v.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					if err := v.loadFile(path); err != nil {
						log.Warn("apikeys.reload.fail", slog.String("err", err.Error()))
						continue
					}
					log.Info("apikeys.reload.ok", slog.String("path", path))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("apikeys.watch.err", slog.String("err", err.Error()))
			}
		}
	}()

	return v, nil
}

// Close stops the file watcher, if any.
func (v *APIKeyValidator) Close() error {
	if v.watcher != nil {
		return v.watcher.Close()
	}
	return nil
}

func (v *APIKeyValidator) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()

	var keys []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	v.setKeys(keys)
	return nil
}

func (v *APIKeyValidator) setKeys(accepted []string) {
	keys := make([][]byte, 0, len(accepted))
	for _, k := range accepted {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}
	v.keys.Store(&keys)
}

func (v *APIKeyValidator) Mode() Mode { return ModeAPIKey }

// Validate checks the presented key against every accepted key. Every
// candidate is compared so timing does not reveal which entry matched.
func (v *APIKeyValidator) Validate(ctx context.Context, creds Credentials) (*Context, error) {
	if creds.APIKey == "" {
		return nil, ErrNoCredential
	}

	presented := []byte(creds.APIKey)
	matched := false
	for _, k := range *v.keys.Load() {
		if len(k) == len(presented) && subtle.ConstantTimeCompare(k, presented) == 1 {
			matched = true
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: unrecognized api key", ErrUnauthorized)
	}

	return &Context{
		Principal: maskKey(creds.APIKey),
		Mode:      ModeAPIKey,
	}, nil
}

// maskKey renders a key safe for principal/log use without leaking it.
func maskKey(k string) string {
	if len(k) <= 6 {
		return "api-key:***"
	}
	return "api-key:" + k[:4] + "…" + k[len(k)-2:]
}
