package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"xsense-go-home/internal/srp"
)

const (
	targetInitiateAuth     = "AWSCognitoIdentityProviderService.InitiateAuth"
	targetRespondChallenge = "AWSCognitoIdentityProviderService.RespondToAuthChallenge"
	challengePassword      = "PASSWORD_VERIFIER"
)

type initiateAuthRequest struct {
	AuthFlow       string            `json:"AuthFlow"`
	AuthParameters map[string]string `json:"AuthParameters"`
	ClientID       string            `json:"ClientId"`
}

type respondChallengeRequest struct {
	ChallengeName      string            `json:"ChallengeName"`
	ClientID           string            `json:"ClientId"`
	ChallengeResponses map[string]string `json:"ChallengeResponses"`
}

type authResponse struct {
	ChallengeName        string            `json:"ChallengeName"`
	ChallengeParameters  map[string]string `json:"ChallengeParameters"`
	AuthenticationResult *authResult       `json:"AuthenticationResult"`
}

type authResult struct {
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	ExpiresIn    int    `json:"ExpiresIn"`
}

type providerError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// identityProvider speaks the user-pool JSON protocol.
type identityProvider struct {
	client Doer
	url    string
}

func (p *identityProvider) call(ctx context.Context, kind Kind, op, target string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return newError(kind, op, err, "encode request")
	}
	resp, err := do(ctx, p.client, op, http.MethodPost, p.url, map[string]string{
		"Content-Type": "application/x-amz-json-1.1",
		"X-Amz-Target": target,
	}, body)
	if err != nil {
		return err
	}
	if resp.status/100 != 2 {
		var pe providerError
		_ = json.Unmarshal(resp.body, &pe)
		typ := pe.Type
		if i := strings.LastIndexByte(typ, '#'); i >= 0 {
			typ = typ[i+1:]
		}
		if typ == "" {
			return newError(kind, op, nil, "http status %d", resp.status)
		}
		return newError(kind, op, nil, "%s: %s", typ, pe.Message)
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return newError(kind, op, err, "decode response")
	}
	return nil
}

// loginSRP runs USER_SRP_AUTH to completion. The returned userID is the
// provider's canonical username.
func (p *identityProvider) loginSRP(ctx context.Context, c *srp.Client, creds Credentials, username, password string) (*authResult, string, error) {
	const op = "login"
	var start authResponse
	err := p.call(ctx, KindAuthentication, op, targetInitiateAuth, initiateAuthRequest{
		AuthFlow:       "USER_SRP_AUTH",
		AuthParameters: c.AuthParameters(username),
		ClientID:       creds.ClientID,
	}, &start)
	if err != nil {
		return nil, "", err
	}
	if start.ChallengeName != challengePassword {
		return nil, "", newError(KindAuthentication, op, nil, "unexpected challenge %q", start.ChallengeName)
	}

	ch := srp.Challenge{
		ServerPublic: start.ChallengeParameters["SRP_B"],
		Salt:         start.ChallengeParameters["SALT"],
		SecretBlock:  start.ChallengeParameters["SECRET_BLOCK"],
		UserID:       start.ChallengeParameters["USER_ID_FOR_SRP"],
	}
	if ch.ServerPublic == "" || ch.Salt == "" || ch.SecretBlock == "" || ch.UserID == "" {
		return nil, "", newError(KindAuthentication, op, nil, "incomplete challenge parameters")
	}
	claim, err := c.ProcessChallenge(password, ch)
	if err != nil {
		return nil, "", newError(KindAuthentication, op, err, "password claim")
	}

	var done authResponse
	err = p.call(ctx, KindAuthentication, op, targetRespondChallenge, respondChallengeRequest{
		ChallengeName:      challengePassword,
		ClientID:           creds.ClientID,
		ChallengeResponses: claim,
	}, &done)
	if err != nil {
		return nil, "", err
	}
	if done.AuthenticationResult == nil || done.AuthenticationResult.AccessToken == "" {
		return nil, "", newError(KindAuthentication, op, nil, "no authentication result")
	}
	return done.AuthenticationResult, ch.UserID, nil
}

// refresh exchanges a refresh token for a new access token. The provider may
// or may not rotate the refresh token.
func (p *identityProvider) refresh(ctx context.Context, creds Credentials, username, refreshToken string) (*authResult, error) {
	const op = "refresh token"
	params := map[string]string{"REFRESH_TOKEN": refreshToken}
	if creds.ClientSecret != "" {
		params["SECRET_HASH"] = srp.SecretHash(username, creds.ClientID, creds.ClientSecret)
	}
	var out authResponse
	err := p.call(ctx, KindRefresh, op, targetInitiateAuth, initiateAuthRequest{
		AuthFlow:       "REFRESH_TOKEN_AUTH",
		AuthParameters: params,
		ClientID:       creds.ClientID,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.AuthenticationResult == nil || out.AuthenticationResult.AccessToken == "" {
		return nil, newError(KindRefresh, op, nil, "no authentication result")
	}
	return out.AuthenticationResult, nil
}
