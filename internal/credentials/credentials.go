// Package credentials resolves decrypted, environment-tagged gateway
// credentials for a company. Precedence is fixed and deterministic:
// company-owned encrypted credentials beat the shared platform pool,
// which beats static process configuration. A decrypt failure on a
// preferred source logs and falls through; only exhausting every source
// fails the call.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

// IntegrationRecord describes how a company is wired to a gateway.
type IntegrationRecord struct {
	CompanyID             string
	Gateway               gateway.Type
	PlatformIntegrationID string
	UsesPlatformPool      bool
}

// CompanyStore is the collaborator holding per-company integration
// records and company-owned encrypted credential blobs.
type CompanyStore interface {
	// GetIntegration returns nil when the company has no record for the
	// gateway.
	GetIntegration(ctx context.Context, companyID string, gw gateway.Type) (*IntegrationRecord, error)
	// GetOwnCredentials returns the encrypted blob, or nil when the
	// company owns no credentials for the gateway.
	GetOwnCredentials(ctx context.Context, companyID string, gw gateway.Type) ([]byte, error)
}

// PlatformStore decrypts shared platform-pool credentials.
type PlatformStore interface {
	GetPlatformCredentials(ctx context.Context, platformIntegrationID string) (gateway.Credentials, error)
}

// Resolver materializes credentials per request. Decryption results are
// never cached beyond the single call that needed them.
type Resolver struct {
	companies CompanyStore
	platform  PlatformStore
	static    map[gateway.Type]gateway.Credentials
	key       []byte // AES-256 key for company-owned blobs
	logger    *log.Logger
}

// New creates a resolver. static may be nil when no process-level
// fallback credentials are configured.
func New(companies CompanyStore, platform PlatformStore, static map[gateway.Type]gateway.Credentials, encryptionKey []byte, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		companies: companies,
		platform:  platform,
		static:    static,
		key:       encryptionKey,
		logger:    logger,
	}
}

// Resolve produces decrypted credentials for (companyID, gatewayType).
func (r *Resolver) Resolve(ctx context.Context, companyID string, gw gateway.Type) (gateway.Credentials, error) {
	// 1. Company-owned encrypted credentials.
	if r.companies != nil {
		blob, err := r.companies.GetOwnCredentials(ctx, companyID, gw)
		if err != nil {
			r.logger.Printf("credentials: company store lookup failed for company=%s gateway=%s: %v", companyID, gw, err)
		} else if len(blob) > 0 {
			creds, decErr := r.decrypt(blob)
			if decErr == nil {
				return creds, nil
			}
			r.logger.Printf("credentials: decrypt of company-owned blob failed for company=%s gateway=%s, falling through: %v", companyID, gw, decErr)
		}
	}

	// 2. Shared platform pool, when the integration record points at one.
	if r.companies != nil && r.platform != nil {
		record, err := r.companies.GetIntegration(ctx, companyID, gw)
		if err != nil {
			r.logger.Printf("credentials: integration lookup failed for company=%s gateway=%s: %v", companyID, gw, err)
		} else if record != nil && record.UsesPlatformPool && record.PlatformIntegrationID != "" {
			creds, platErr := r.platform.GetPlatformCredentials(ctx, record.PlatformIntegrationID)
			if platErr == nil {
				return creds, nil
			}
			r.logger.Printf("credentials: platform pool decryption failed for integration=%s, falling through: %v", record.PlatformIntegrationID, platErr)
		}
	}

	// 3. Static process configuration.
	if creds, ok := r.static[gw]; ok {
		return creds, nil
	}

	return gateway.Credentials{}, &gateway.CredentialError{CompanyID: companyID, Gateway: gw}
}

// decrypt opens a nonce-prefixed AES-256-GCM blob holding JSON credentials.
func (r *Resolver) decrypt(blob []byte) (gateway.Credentials, error) {
	if len(r.key) == 0 {
		return gateway.Credentials{}, fmt.Errorf("no encryption key configured")
	}
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return gateway.Credentials{}, fmt.Errorf("cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return gateway.Credentials{}, fmt.Errorf("gcm init: %w", err)
	}
	if len(blob) < gcm.NonceSize() {
		return gateway.Credentials{}, fmt.Errorf("blob shorter than nonce")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return gateway.Credentials{}, fmt.Errorf("open: %w", err)
	}
	var creds gateway.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return gateway.Credentials{}, fmt.Errorf("decode: %w", err)
	}
	if creds.Environment == "" {
		return gateway.Credentials{}, fmt.Errorf("credentials missing environment tag")
	}
	return creds, nil
}

// Encrypt seals credentials into the nonce-prefixed AES-256-GCM blob
// format Resolve expects. Used by onboarding paths and tests.
func Encrypt(key []byte, creds gateway.Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}
