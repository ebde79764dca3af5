package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	directory "google.golang.org/api/admin/directory/v1"
	reports "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/calendar/v3"
)

// Scopes requested by every client built from the same credentials.
var Scopes = []string{
	calendar.CalendarReadonlyScope,
	reports.AdminReportsAuditReadonlyScope,
	directory.AdminDirectoryUserReadonlyScope,
}

// ClientSource hands out authenticated HTTP clients. Subject is the account
// to act as; an empty subject means the default identity.
type ClientSource interface {
	Client(ctx context.Context, subject string) *http.Client
	CanImpersonate() bool
}

// ServiceAccount authenticates with a service account key using domain-wide
// delegation.
type ServiceAccount struct {
	cfg *jwt.Config
}

// NewServiceAccount reads a service account key. defaultSubject is the
// account impersonated when no subject is given.
func NewServiceAccount(credentialsFile, defaultSubject string) (*ServiceAccount, error) {
	b, err := readCredentials(credentialsFile)
	if err != nil {
		return nil, err
	}
	cfg, err := google.JWTConfigFromJSON(b, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse service account key: %w", err)
	}
	cfg.Subject = defaultSubject
	return &ServiceAccount{cfg: cfg}, nil
}

// Client returns an HTTP client acting as subject.
func (s *ServiceAccount) Client(ctx context.Context, subject string) *http.Client {
	if subject == "" || subject == s.cfg.Subject {
		return s.cfg.Client(ctx)
	}
	cfg := *s.cfg
	cfg.Subject = subject
	return cfg.Client(ctx)
}

// CanImpersonate is always true for service accounts.
func (s *ServiceAccount) CanImpersonate() bool { return true }

// StoredToken authenticates as the single user whose token was saved by the
// auth command.
type StoredToken struct {
	cfg   *oauth2.Config
	token *oauth2.Token
}

// NewStoredToken loads OAuth client credentials and a saved token.
func NewStoredToken(credentialsFile, tokenFile string) (*StoredToken, error) {
	cfg, err := GetOAuthConfig(credentialsFile)
	if err != nil {
		return nil, err
	}
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token %s: %w. Please run the 'auth' command first", tokenFile, err)
	}
	return &StoredToken{cfg: cfg, token: token}, nil
}

// Client ignores subject; a stored token can only act as its owner.
func (s *StoredToken) Client(ctx context.Context, _ string) *http.Client {
	return s.cfg.Client(ctx, s.token)
}

// CanImpersonate is always false for stored tokens.
func (s *StoredToken) CanImpersonate() bool { return false }

// GetOAuthConfig reads an OAuth client secret file for the desktop flow.
func GetOAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := readCredentials(credentialsFile)
	if err != nil {
		return nil, err
	}
	config, err := google.ConfigFromJSON(b, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to exchange the pasted code.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func readCredentials(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("%s not found. Set google.credentials_file to a service account key or OAuth client secret", path)
		}
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}
	return b, nil
}
