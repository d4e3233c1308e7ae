package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

var errNoCertificate = errors.New("no certificate available")

// certCheckInterval is the fallback poll for changes fsnotify missed.
var certCheckInterval = 5 * time.Minute

// CertManager serves the TLS certificate of every encrypted listener and
// reloads it when the files change on disk.
type CertManager struct {
	certPath string
	keyPath  string

	mu          sync.RWMutex
	certificate *tls.Certificate
	modTime     time.Time

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCertManager loads the key pair and starts watching its directories.
func NewCertManager(certPath, keyPath string) (*CertManager, error) {
	cm := &CertManager{
		certPath: certPath,
		keyPath:  keyPath,
		stopCh:   make(chan struct{}),
	}

	if err := cm.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	cm.watcher = watcher

	// directories, so renames of symlinked files are seen
	dirs := []string{filepath.Dir(certPath)}
	if d := filepath.Dir(keyPath); d != dirs[0] {
		dirs = append(dirs, d)
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go cm.watch()

	return cm, nil
}

// modified returns the newest modification time of the key pair.
func (cm *CertManager) modified() (time.Time, error) {
	var newest time.Time

	for _, path := range []string{cm.certPath, cm.keyPath} {
		info, err := os.Stat(path)
		if err != nil {
			return time.Time{}, err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}

	return newest, nil
}

// Reload reads the key pair from disk. The previous certificate stays in
// use when the files do not load.
func (cm *CertManager) Reload() error {
	modTime, err := cm.modified()
	if err != nil {
		return err
	}

	cert, err := tls.LoadX509KeyPair(cm.certPath, cm.keyPath)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.certificate = &cert
	cm.modTime = modTime
	cm.mu.Unlock()

	zlog.Info("TLS certificate loaded", "cert", cm.certPath, "modtime", modTime)

	return nil
}

// GetCertificate returns the current certificate
func (cm *CertManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.certificate == nil {
		return nil, errNoCertificate
	}

	return cm.certificate, nil
}

// GetTLSConfig returns a fresh config serving the current certificate.
func (cm *CertManager) GetTLSConfig(nextProtos ...string) *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     nextProtos,
	}
}

func (cm *CertManager) watch() {
	defer cm.watcher.Close()

	ticker := time.NewTicker(certCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopCh:
			return

		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}

			if cm.relevant(event) {
				zlog.Debug("Certificate file event", "event", event.String())
				cm.checkAndReload()
			}

		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("Certificate watcher error", "error", err.Error())

		case <-ticker.C:
			cm.checkAndReload()
		}
	}
}

func (cm *CertManager) relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)

	return event.Name == cm.certPath || event.Name == cm.keyPath ||
		name == filepath.Base(cm.certPath) || name == filepath.Base(cm.keyPath)
}

func (cm *CertManager) checkAndReload() {
	modTime, err := cm.modified()
	if err != nil {
		zlog.Error("Failed to stat certificate files", "cert", cm.certPath, "error", err.Error())
		return
	}

	cm.mu.RLock()
	last := cm.modTime
	cm.mu.RUnlock()

	if !modTime.After(last) {
		return
	}

	zlog.Info("Certificate files changed, reloading", "cert", cm.certPath)

	// a half written pair fails here and is retried on the next event
	if err := cm.Reload(); err != nil {
		zlog.Error("Failed to reload certificate", "error", err.Error())
	}
}

// Stop stops watching. It is safe to call more than once.
func (cm *CertManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
