// Package registry implements ClientRegistry (§4.7): a JSON-document-backed
// store of client profiles and endpoints, active-profile selection, and
// legacy-structure migration on read. Grounded on
// original_source/config/integration_registry.py.
package registry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/ats-log/hr-sync-bridge/mapping"
)

// Endpoint is one dispatch target under a client profile (§4.7).
type Endpoint struct {
	ID             string          `json:"id"`
	Type           string          `json:"tipo"`
	Path           string          `json:"endpoint"`
	TargetTable    string          `json:"tabela_destino"`
	Active         bool            `json:"ativo"`
	MappingRules   []mapping.Rule  `json:"de_para"`
}

// Profile is one client/API configuration, persisted with its password
// encrypted at rest (§4.7, §9: PBKDF2 + AES-GCM).
type Profile struct {
	ID             string     `json:"id"`
	Name           string     `json:"nome"`
	Vendor         string     `json:"fornecedor"`
	BaseURL        string     `json:"base_url"`
	LoginURL       string     `json:"login_url"`
	User           string     `json:"usuario"`
	EncryptedPass  string     `json:"senha_cifrada"`
	TimeoutSeconds float64    `json:"timeout_seconds"`
	Endpoints      []Endpoint `json:"endpoints"`
}

type document struct {
	ActiveID string    `json:"active_id"`
	Items    []Profile `json:"items"`

	// Legacy flat fields migrated on read (§4.7, §9).
	EndpointMotorista   string `json:"endpoint_motorista,omitempty"`
	EndpointAfastamento string `json:"endpoint_afastamento,omitempty"`
}

// Registry is a thread-safe, optionally hot-reloading view of the on-disk
// client-registry document.
type Registry struct {
	path      string
	secretKey []byte

	mu  sync.RWMutex
	doc document

	watcher *fsnotify.Watcher
}

// Open loads the registry document at path, deriving the at-rest
// encryption key from secret via PBKDF2. If path does not exist, an empty
// document is used (matching original_source's "file absent -> empty
// catalog" behavior).
func Open(path, secret string) (*Registry, error) {
	r := &Registry{
		path:      path,
		secretKey: deriveKey(secret),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func deriveKey(secret string) []byte {
	// A fixed, constant salt keeps the registry file self-contained (no
	// separate salt file to lose); the at-rest threat model here is a
	// stolen disk image, not a chosen-plaintext attacker, so a constant
	// salt is an acceptable tradeoff.
	salt := []byte("hr-sync-bridge-registry-salt-v1")
	return pbkdf2.Key([]byte(secret), salt, 100_000, 32, sha256.New)
}

// Watch starts an fsnotify watch on the registry file, reloading on
// external writes (the admin UI / CLI this spec treats as an external
// collaborator may edit the file directly).
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: new watcher: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("registry: watch %s: %w", dir, err)
	}
	r.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					log.Printf("registry: reload after external change failed: %v", err)
				} else {
					log.Printf("registry: reloaded after external change to %s", r.path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("registry: watch error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if running.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Registry) reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.doc = document{}
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("registry: parse %s: %w", r.path, err)
	}
	migrateLegacy(&doc)

	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
	return nil
}

// migrateLegacy promotes the old flat endpoint_motorista/endpoint_afastamento
// fields into the current Endpoints[] shape on every profile missing them,
// mirroring original_source/config/integration_registry.py's
// _migrate_legacy_format.
func migrateLegacy(doc *document) {
	if doc.EndpointMotorista == "" && doc.EndpointAfastamento == "" {
		return
	}
	for i := range doc.Items {
		p := &doc.Items[i]
		if len(p.Endpoints) > 0 {
			continue
		}
		if doc.EndpointMotorista != "" {
			p.Endpoints = append(p.Endpoints, Endpoint{
				ID: uuid.NewString(), Type: "motoristas", Path: doc.EndpointMotorista, Active: true,
			})
		}
		if doc.EndpointAfastamento != "" {
			p.Endpoints = append(p.Endpoints, Endpoint{
				ID: uuid.NewString(), Type: "afastamentos", Path: doc.EndpointAfastamento, Active: true,
			})
		}
	}
}

// Active returns the profile marked active, or nil if none is set.
func (r *Registry) Active() *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.doc.ActiveID == "" {
		return nil
	}
	for _, p := range r.doc.Items {
		if p.ID == r.doc.ActiveID {
			cp := p
			return &cp
		}
	}
	return nil
}

// List returns all configured profiles.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, len(r.doc.Items))
	copy(out, r.doc.Items)
	return out
}

// Password decrypts a profile's at-rest password.
func (r *Registry) Password(p Profile) (string, error) {
	if p.EncryptedPass == "" {
		return "", nil
	}
	return decrypt(r.secretKey, p.EncryptedPass)
}

// Upsert encrypts plainPassword and writes p into the document, creating a
// fresh id when p.ID is empty, matching the dataclass upsert semantics in
// original_source.
func (r *Registry) Upsert(p Profile, plainPassword string) (Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if plainPassword != "" {
		enc, err := encrypt(r.secretKey, plainPassword)
		if err != nil {
			return Profile{}, fmt.Errorf("registry: encrypt password: %w", err)
		}
		p.EncryptedPass = enc
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for i, existing := range r.doc.Items {
		if existing.ID == p.ID {
			r.doc.Items[i] = p
			found = true
			break
		}
	}
	if !found {
		r.doc.Items = append(r.doc.Items, p)
	}
	if r.doc.ActiveID == "" {
		r.doc.ActiveID = p.ID
	}
	return p, r.writeLocked()
}

func (r *Registry) writeLocked() error {
	raw, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}
	return os.WriteFile(r.path, raw, 0o600)
}

func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

func decrypt(key []byte, hexCiphertext string) (string, error) {
	raw, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return "", fmt.Errorf("registry: decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("registry: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("registry: decrypt: %w", err)
	}
	return string(plain), nil
}
