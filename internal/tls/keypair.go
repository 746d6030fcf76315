// Package tls loads and rotates the key pairs of TLS-terminated IPC
// listeners.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 100 * time.Millisecond

// ExpiryWarning is how close to NotAfter a certificate is logged as expiring.
const ExpiryWarning = 30 * 24 * time.Hour

var (
	// ErrNotYetValid is returned for a certificate whose NotBefore is in the future.
	ErrNotYetValid = errors.New("certificate is not yet valid")
	// ErrExpired is returned for a certificate past its NotAfter.
	ErrExpired = errors.New("certificate has expired")
	// ErrKeyUsage is returned for a certificate unusable for server auth.
	ErrKeyUsage = errors.New("certificate lacks server key usage")
)

// KeyPair serves a certificate/key pair and reloads it when either file
// changes. A reload that fails validation keeps the previous pair.
type KeyPair struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewKeyPair loads and validates the pair and starts watching its files.
func NewKeyPair(certFile, keyFile string, logger *slog.Logger) (*KeyPair, error) {
	if logger == nil {
		logger = slog.Default()
	}
	certPath, err := filepath.Abs(certFile)
	if err != nil {
		return nil, fmt.Errorf("resolve cert_file: %w", err)
	}
	keyPath, err := filepath.Abs(keyFile)
	if err != nil {
		return nil, fmt.Errorf("resolve key_file: %w", err)
	}

	kp := &KeyPair{
		certFile: certPath,
		keyFile:  keyPath,
		logger:   logger.With("component", "tls", "cert_file", certPath),
		done:     make(chan struct{}),
	}
	cert, err := kp.load()
	if err != nil {
		return nil, err
	}
	kp.cert = cert

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	for _, dir := range uniqueDirs(certPath, keyPath) {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}
	kp.watcher = watcher
	go kp.watch()
	return kp, nil
}

// Certificate returns the pair in force.
func (kp *KeyPair) Certificate() *tls.Certificate {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	return kp.cert
}

// GetCertificate is a tls.Config.GetCertificate callback.
func (kp *KeyPair) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return kp.Certificate(), nil
}

// ServerConfig returns a server TLS configuration serving the pair. minVersion
// is "1.2", "1.3" or empty for 1.2.
func (kp *KeyPair) ServerConfig(minVersion string) *tls.Config {
	cfg := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: kp.GetCertificate,
	}
	if minVersion == "1.3" {
		cfg.MinVersion = tls.VersionTLS13
	}
	return cfg
}

// Reload reloads the pair from disk.
func (kp *KeyPair) Reload() error {
	cert, err := kp.load()
	if err != nil {
		kp.logger.Error("Certificate reload rejected", "error", err)
		return err
	}
	kp.mu.Lock()
	kp.cert = cert
	kp.mu.Unlock()
	kp.logger.Info("Certificate reloaded")
	return nil
}

// Close stops watching the files.
func (kp *KeyPair) Close() error {
	var err error
	kp.once.Do(func() {
		err = kp.watcher.Close()
		<-kp.done
	})
	return err
}

func (kp *KeyPair) load() (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(kp.certFile, kp.keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	if err := Validate(leaf, time.Now()); err != nil {
		return nil, err
	}
	if remaining := time.Until(leaf.NotAfter); remaining < ExpiryWarning {
		kp.logger.Warn("Certificate expires soon",
			"not_after", leaf.NotAfter,
			"days_until_expiry", int(remaining.Hours()/24))
	}
	cert.Leaf = leaf
	return &cert, nil
}

// Validate checks the validity window and key usage of a server certificate.
func Validate(leaf *x509.Certificate, now time.Time) error {
	if now.Before(leaf.NotBefore) {
		return fmt.Errorf("%w: not before %s", ErrNotYetValid, leaf.NotBefore.Format(time.RFC3339))
	}
	if now.After(leaf.NotAfter) {
		return fmt.Errorf("%w: not after %s", ErrExpired, leaf.NotAfter.Format(time.RFC3339))
	}
	if leaf.KeyUsage != 0 &&
		leaf.KeyUsage&(x509.KeyUsageKeyEncipherment|x509.KeyUsageDigitalSignature) == 0 {
		return ErrKeyUsage
	}
	if len(leaf.ExtKeyUsage) > 0 {
		for _, u := range leaf.ExtKeyUsage {
			if u == x509.ExtKeyUsageServerAuth || u == x509.ExtKeyUsageAny {
				return nil
			}
		}
		return ErrKeyUsage
	}
	return nil
}

func (kp *KeyPair) watch() {
	defer close(kp.done)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-kp.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != kp.certFile && name != kp.keyFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Cert and key are usually rewritten together.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDelay, func() { _ = kp.Reload() })
		case err, ok := <-kp.watcher.Errors:
			if !ok {
				return
			}
			kp.logger.Error("Certificate file watcher error", "error", err)
		}
	}
}

func uniqueDirs(paths ...string) []string {
	seen := make(map[string]bool, len(paths))
	var dirs []string
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}
