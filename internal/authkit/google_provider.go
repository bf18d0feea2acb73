package authkit

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

var (
	// ErrGoogleExchange indicates the authorization code could not be exchanged.
	ErrGoogleExchange = errors.New("google.exchange_failed")
	// ErrGoogleIdentity indicates the returned ID token did not carry a usable identity.
	ErrGoogleIdentity = errors.New("google.invalid_identity")
)

// GoogleTokenValidator verifies Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

type authorizationCodeExchanger interface {
	AuthCodeURL(state string, options ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, options ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// GoogleIdentityProvider exchanges an authorization code and verifies the resulting ID token.
type GoogleIdentityProvider struct {
	exchanger authorizationCodeExchanger
	validator GoogleTokenValidator
	clientID  string
}

// NewGoogleIdentityProvider configures the OAuth client and the ID token validator.
func NewGoogleIdentityProvider(ctx context.Context, configuration GoogleProviderConfig) (*GoogleIdentityProvider, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("google.new_validator: %w", err)
	}
	oauthConfig := &oauth2.Config{
		ClientID:     configuration.ClientID,
		ClientSecret: configuration.ClientSecret,
		RedirectURL:  configuration.CallbackURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"openid", "email", "profile"},
	}
	return newGoogleIdentityProvider(oauthConfig, validator, configuration.ClientID), nil
}

func newGoogleIdentityProvider(exchanger authorizationCodeExchanger, validator GoogleTokenValidator, clientID string) *GoogleIdentityProvider {
	return &GoogleIdentityProvider{exchanger: exchanger, validator: validator, clientID: clientID}
}

// AuthorizationURL is the consent screen redirect for the given state.
func (provider *GoogleIdentityProvider) AuthorizationURL(state string) string {
	return provider.exchanger.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// ExchangeCode trades the code for tokens and returns the verified identity from the ID token.
func (provider *GoogleIdentityProvider) ExchangeCode(ctx context.Context, code string) (ExternalIdentity, error) {
	token, err := provider.exchanger.Exchange(ctx, code)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrGoogleExchange, err)
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return ExternalIdentity{}, fmt.Errorf("%w: missing id_token", ErrGoogleIdentity)
	}
	payload, err := provider.validator.Validate(ctx, rawIDToken, provider.clientID)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrGoogleIdentity, err)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return ExternalIdentity{}, fmt.Errorf("%w: issuer %q", ErrGoogleIdentity, issuerValue)
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	displayName, _ := payload.Claims["name"].(string)
	if googleSub == "" {
		return ExternalIdentity{}, fmt.Errorf("%w: missing subject", ErrGoogleIdentity)
	}
	return ExternalIdentity{
		ExternalID:    googleSub,
		Email:         NormalizeEmail(userEmail),
		DisplayName:   displayName,
		EmailVerified: emailVerified,
	}, nil
}
