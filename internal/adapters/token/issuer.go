// Package token issues and fetches LiveKit join credentials.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/livekit/protocol/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

var (
	ErrNotConfigured = errors.New("livekit credentials not configured")
	ErrMissingParams = errors.New("room and username are required")
)

const DefaultTTL = time.Hour

type Config struct {
	ServerURL string
	APIKey    string
	APISecret string
	TTL       time.Duration
}

func (c Config) Configured() bool {
	return c.ServerURL != "" && c.APIKey != "" && c.APISecret != ""
}

// Request is the body of the credential endpoint.
type Request struct {
	Room      string `json:"room"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
}

type metadata struct {
	FirstName string `json:"firstName"`
	Timestamp int64  `json:"timestamp"`
}

// Issuer signs room access tokens with the server's API key pair.
type Issuer struct {
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

func NewIssuer(cfg Config) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Issuer{
		cfg:    cfg,
		now:    time.Now,
		logger: log.With().Str("module", "adapters.token").Logger(),
	}
}

func (i *Issuer) Configured() bool { return i.cfg.Configured() }

// Issue grants join, publish, subscribe and data rights on one room.
func (i *Issuer) Issue(req core.CredentialRequest) (*core.Credentials, error) {
	if strings.TrimSpace(string(req.Room)) == "" || strings.TrimSpace(req.Identity) == "" {
		return nil, ErrMissingParams
	}
	if !i.cfg.Configured() {
		i.logger.Error().Msg("LiveKit url, api key or api secret missing")
		return nil, ErrNotConfigured
	}

	name := req.DisplayName
	if name == "" {
		name = req.Identity
	}
	meta, err := json.Marshal(metadata{FirstName: req.DisplayName, Timestamp: i.now().UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	yes := true
	at := auth.NewAccessToken(i.cfg.APIKey, i.cfg.APISecret)
	at.SetVideoGrant(&auth.VideoGrant{
		RoomJoin:       true,
		Room:           string(req.Room),
		CanPublish:     &yes,
		CanSubscribe:   &yes,
		CanPublishData: &yes,
	}).
		SetIdentity(req.Identity).
		SetName(name).
		SetMetadata(string(meta)).
		SetValidFor(i.cfg.TTL)

	jwt, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	i.logger.Info().Str("room", string(req.Room)).Str("identity", req.Identity).Msg("token issued")
	return &core.Credentials{
		ServerURL:       i.cfg.ServerURL,
		Room:            req.Room,
		Token:           jwt,
		ParticipantName: name,
	}, nil
}

// Credentials lets the issuer stand in for the HTTP endpoint in-process.
func (i *Issuer) Credentials(_ context.Context, req core.CredentialRequest) (*core.Credentials, error) {
	return i.Issue(req)
}

func (r Request) CredentialRequest() core.CredentialRequest {
	return core.CredentialRequest{
		Room:        domain.RoomName(strings.TrimSpace(r.Room)),
		Identity:    strings.TrimSpace(r.Username),
		DisplayName: strings.TrimSpace(r.FirstName),
	}
}
