package config

import "time"

type OAuthConfig interface {
	GetLoginSessionLifetime() time.Duration
	GetRegistrationSessionLifetime() time.Duration
	GetOAuthSessionLifetime() time.Duration
	GetSessionTokenLifetime() time.Duration
	GetAuthCodeTimeout() time.Duration
	GetDefaultAccessTokenExpiry() time.Duration
	GetDefaultIDTokenExpiry() time.Duration
	GetDefaultRefreshTokenExpiry() time.Duration
}

type OAuth struct {
	LoginSessionLifetime        time.Duration
	RegistrationSessionLifetime time.Duration
	OAuthSessionLifetime        time.Duration
	SessionTokenLifetime        time.Duration
	AuthCodeTimeout             time.Duration
	AccessTokenExpiry           time.Duration
	IDTokenExpiry               time.Duration
	RefreshTokenExpiry          time.Duration
}

var _ OAuthConfig = OAuth{}

// DefaultOAuth holds the lifetimes used when no environment override is present.
func DefaultOAuth() OAuth {
	return OAuth{
		LoginSessionLifetime:        10 * time.Minute,
		RegistrationSessionLifetime: 10 * time.Minute,
		OAuthSessionLifetime:        10 * time.Minute,
		SessionTokenLifetime:        30 * 24 * time.Hour,
		AuthCodeTimeout:             10 * time.Minute,
		AccessTokenExpiry:           1 * time.Hour,
		IDTokenExpiry:               1 * time.Hour,
		RefreshTokenExpiry:          30 * 24 * time.Hour,
	}
}

func loadOAuth() (OAuth, error) {
	o := DefaultOAuth()
	overrides := []struct {
		name   string
		target *time.Duration
	}{
		{"LOGIN_SESSION_LIFETIME", &o.LoginSessionLifetime},
		{"REGISTRATION_SESSION_LIFETIME", &o.RegistrationSessionLifetime},
		{"OAUTH_SESSION_LIFETIME", &o.OAuthSessionLifetime},
		{"SESSION_TOKEN_LIFETIME", &o.SessionTokenLifetime},
		{"AUTH_CODE_LIFETIME", &o.AuthCodeTimeout},
		{"ACCESS_TOKEN_LIFETIME", &o.AccessTokenExpiry},
		{"ID_TOKEN_LIFETIME", &o.IDTokenExpiry},
		{"REFRESH_TOKEN_LIFETIME", &o.RefreshTokenExpiry},
	}
	for _, ov := range overrides {
		d, err := getEnvDuration(ov.name, *ov.target)
		if err != nil {
			return OAuth{}, err
		}
		*ov.target = d
	}
	return o, nil
}

func (o OAuth) GetLoginSessionLifetime() time.Duration {
	return o.LoginSessionLifetime
}

func (o OAuth) GetRegistrationSessionLifetime() time.Duration {
	return o.RegistrationSessionLifetime
}

func (o OAuth) GetOAuthSessionLifetime() time.Duration {
	return o.OAuthSessionLifetime
}

func (o OAuth) GetSessionTokenLifetime() time.Duration {
	return o.SessionTokenLifetime
}

func (o OAuth) GetAuthCodeTimeout() time.Duration {
	return o.AuthCodeTimeout
}

func (o OAuth) GetDefaultAccessTokenExpiry() time.Duration {
	return o.AccessTokenExpiry
}

func (o OAuth) GetDefaultIDTokenExpiry() time.Duration {
	return o.IDTokenExpiry
}

func (o OAuth) GetDefaultRefreshTokenExpiry() time.Duration {
	return o.RefreshTokenExpiry
}
