// Package credentials persists operator API keys and per-device secret keys.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edgepulse/edgepulse/pkg/auth"
	"gorm.io/gorm"
)

var (
	ErrAlreadyInitialized = errors.New("admin already initialized")
	ErrAlreadyRegistered  = errors.New("client already registered")
	ErrInvalidClientID    = errors.New("invalid client id")
	ErrInvalidName        = errors.New("name is required")
)

const saltSettingKey = "admin_key_salt"

// AdminKey is an operator credential. Only the salted hash of the API key is
// stored; the raw key is returned once at creation.
type AdminKey struct {
	ID        uint   `gorm:"primaryKey"`
	KeyHash   string `gorm:"uniqueIndex"`
	Name      string
	CreatedAt time.Time
	Enabled   bool
	RevokedAt *time.Time
}

// ClientCredential is the shared secret of one edge device. Revoked rows are
// kept as tombstones so the id can never be registered again.
type ClientCredential struct {
	ID        uint   `gorm:"primaryKey"`
	ClientID  string `gorm:"uniqueIndex"`
	SecretKey string
	CreatedAt time.Time
	Enabled   bool
	RevokedAt *time.Time
}

type setting struct {
	Name  string `gorm:"primaryKey"`
	Value string
}

func (setting) TableName() string { return "settings" }

// Admin is the public view of an admin key.
type Admin struct {
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	Enabled   bool       `json:"enabled"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Client is the public view of a client credential; the secret is never exposed.
type Client struct {
	ClientID  string     `json:"client_id"`
	CreatedAt time.Time  `json:"created_at"`
	Enabled   bool       `json:"enabled"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Store is the credential store. Mutations are serialized by mu and written
// to the database before returning.
type Store struct {
	mu     sync.Mutex
	db     *gorm.DB
	hasher auth.TokenHasher
	now    func() time.Time
}

var _ auth.SecretSource = (*Store)(nil)

func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&AdminKey{}, &ClientCredential{}, &setting{}); err != nil {
		return nil, fmt.Errorf("migrate credentials: %w", err)
	}
	salt, err := loadOrCreateSalt(db)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, hasher: auth.NewTokenHasher([]byte(salt)), now: time.Now}, nil
}

func loadOrCreateSalt(db *gorm.DB) (string, error) {
	var s setting
	err := db.Where("name = ?", saltSettingKey).First(&s).Error
	if err == nil {
		return s.Value, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("load key salt: %w", err)
	}
	salt, err := auth.GenerateSecret()
	if err != nil {
		return "", err
	}
	if err := db.Create(&setting{Name: saltSettingKey, Value: salt}).Error; err != nil {
		return "", fmt.Errorf("store key salt: %w", err)
	}
	return salt, nil
}

// CreateAdmin issues a new API key for name.
func (s *Store) CreateAdmin(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAdminLocked(ctx, name)
}

// InitAdmin bootstraps the first admin. It fails with ErrAlreadyInitialized
// once any admin record exists, including revoked ones.
func (s *Store) InitAdmin(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if err := s.db.WithContext(ctx).Model(&AdminKey{}).Count(&count).Error; err != nil {
		return "", err
	}
	if count > 0 {
		return "", ErrAlreadyInitialized
	}
	return s.createAdminLocked(ctx, name)
}

func (s *Store) createAdminLocked(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}
	key, err := auth.GenerateSecret()
	if err != nil {
		return "", err
	}
	record := AdminKey{
		KeyHash:   s.hasher.HashString(key),
		Name:      name,
		CreatedAt: s.now().UTC(),
		Enabled:   true,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("store admin key: %w", err)
	}
	return key, nil
}

// LookupAdmin returns the enabled admin owning apiKey.
func (s *Store) LookupAdmin(ctx context.Context, apiKey string) (Admin, bool, error) {
	if apiKey == "" {
		return Admin{}, false, nil
	}
	var record AdminKey
	err := s.db.WithContext(ctx).Where("key_hash = ? AND enabled = ?", s.hasher.HashString(apiKey), true).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Admin{}, false, nil
	}
	if err != nil {
		return Admin{}, false, err
	}
	return Admin{Name: record.Name, CreatedAt: record.CreatedAt, Enabled: record.Enabled, RevokedAt: record.RevokedAt}, true, nil
}

// ValidateAdmin reports whether apiKey belongs to an enabled admin.
func (s *Store) ValidateAdmin(ctx context.Context, apiKey string) (bool, error) {
	_, ok, err := s.LookupAdmin(ctx, apiKey)
	return ok, err
}

// RevokeAdmin disables apiKey. It returns false for unknown or already
// revoked keys.
func (s *Store) RevokeAdmin(ctx context.Context, apiKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&AdminKey{}).
		Where("key_hash = ? AND enabled = ?", s.hasher.HashString(apiKey), true).
		Updates(map[string]interface{}{"enabled": false, "revoked_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RegisterClient creates a credential for clientID and returns its secret once.
func (s *Store) RegisterClient(ctx context.Context, clientID string) (string, error) {
	if err := ValidateClientID(clientID); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&ClientCredential{}).Where("client_id = ?", clientID).Count(&count).Error; err != nil {
		return "", err
	}
	if count > 0 {
		return "", ErrAlreadyRegistered
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return "", err
	}
	record := ClientCredential{
		ClientID:  clientID,
		SecretKey: secret,
		CreatedAt: s.now().UTC(),
		Enabled:   true,
	}
	if err := db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", ErrAlreadyRegistered
		}
		return "", fmt.Errorf("store client credential: %w", err)
	}
	return secret, nil
}

// ClientSecret returns the secret of an enabled client. Unknown and revoked
// clients are reported the same way.
func (s *Store) ClientSecret(ctx context.Context, clientID string) (string, bool, error) {
	var record ClientCredential
	err := s.db.WithContext(ctx).Where("client_id = ? AND enabled = ?", clientID, true).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return record.SecretKey, true, nil
}

// AuthenticateClient checks a client id and secret key pair by exact
// constant-time match.
func (s *Store) AuthenticateClient(ctx context.Context, clientID, secretKey string) (bool, error) {
	if clientID == "" || secretKey == "" {
		return false, nil
	}
	secret, ok, err := s.ClientSecret(ctx, clientID)
	if err != nil || !ok {
		return false, err
	}
	return auth.SecureCompare(secret, secretKey), nil
}

// RevokeClient tombstones clientID. It returns false for unknown or already
// revoked clients.
func (s *Store) RevokeClient(ctx context.Context, clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&ClientCredential{}).
		Where("client_id = ? AND enabled = ?", clientID, true).
		Updates(map[string]interface{}{"enabled": false, "revoked_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListClients returns every credential, revoked ones included, ordered by id.
func (s *Store) ListClients(ctx context.Context) ([]Client, error) {
	var records []ClientCredential
	if err := s.db.WithContext(ctx).Order("client_id asc").Find(&records).Error; err != nil {
		return nil, err
	}
	clients := make([]Client, 0, len(records))
	for _, r := range records {
		clients = append(clients, Client{
			ClientID:  r.ClientID,
			CreatedAt: r.CreatedAt,
			Enabled:   r.Enabled,
			RevokedAt: r.RevokedAt,
		})
	}
	return clients, nil
}

// ValidateClientID accepts 1-128 characters of [A-Za-z0-9._-].
func ValidateClientID(clientID string) error {
	if clientID == "" || len(clientID) > 128 {
		return ErrInvalidClientID
	}
	for _, r := range clientID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return ErrInvalidClientID
		}
	}
	return nil
}
