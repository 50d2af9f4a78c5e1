package app

import (
	"errors"
	"strings"
	"time"

	"signflow/pkg/sealing"
	"signflow/pkg/sequence"
	"signflow/pkg/storage"
	"signflow/pkg/store"
	"signflow/services/signing/internal/notify"
)

const (
	defaultDocumentTokenTTL = 30 * 24 * time.Hour
	defaultSignTokenTTL     = 30 * 24 * time.Hour
	defaultPresignExpiry    = 15 * time.Minute
)

// Config holds the collaborators of the signing application.
type Config struct {
	Store    store.Store
	Objects  storage.ObjectStore
	Pipeline *sealing.Pipeline
	Issuer   *sequence.Issuer
	// Dispatcher runs post-commit side effects. When nil, jobs run inline.
	Dispatcher Dispatcher
	Sender     notify.Sender
	// PublicBaseURL prefixes links sent by email and printed in the seal.
	PublicBaseURL    string
	DocumentTokenTTL time.Duration
	SignTokenTTL     time.Duration
	PresignExpiry    time.Duration
	Now              func() time.Time
}

// App implements the document workflow on top of the store, the sealing
// pipeline and the outbox.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	pipeline      *sealing.Pipeline
	issuer        *sequence.Issuer
	dispatcher    Dispatcher
	sender        notify.Sender
	publicBaseURL string
	docTokenTTL   time.Duration
	signTokenTTL  time.Duration
	presignExpiry time.Duration
	now           func() time.Time
}

// New validates cfg and constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("sealing pipeline required")
	}
	a := &App{
		store:         cfg.Store,
		objects:       cfg.Objects,
		pipeline:      cfg.Pipeline,
		issuer:        cfg.Issuer,
		dispatcher:    cfg.Dispatcher,
		sender:        cfg.Sender,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		docTokenTTL:   cfg.DocumentTokenTTL,
		signTokenTTL:  cfg.SignTokenTTL,
		presignExpiry: cfg.PresignExpiry,
		now:           cfg.Now,
	}
	if a.issuer == nil {
		a.issuer = sequence.NewIssuer("")
	}
	if a.sender == nil {
		a.sender = notify.LogSender{}
	}
	if a.dispatcher == nil {
		a.dispatcher = &InlineDispatcher{Handle: a.HandleJob}
	}
	if a.docTokenTTL <= 0 {
		a.docTokenTTL = defaultDocumentTokenTTL
	}
	if a.signTokenTTL <= 0 {
		a.signTokenTTL = defaultSignTokenTTL
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = defaultPresignExpiry
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

func (a *App) clock() time.Time {
	return a.now().UTC()
}

func (a *App) link(path string) string {
	return a.publicBaseURL + path
}
