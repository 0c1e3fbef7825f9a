package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"stardust/internal/ledger"
	"stardust/internal/mail"
	"stardust/internal/mission"
	"stardust/internal/store"
)

type Options struct {
	MailFrom     string
	MailReplyTo  string
	ReplyReward  int64
	WelcomeBonus int64
	MissionDelay time.Duration
	// SweepLimiter paces sweep sends. Nil means unpaced.
	SweepLimiter *rate.Limiter
	Now          func() time.Time
}

type Service struct {
	store   store.Store
	mail    mail.Sender
	log     *slog.Logger
	tracer  trace.Tracer
	catalog *mission.Catalog

	from, replyTo string
	replyReward   int64
	welcomeBonus  int64
	missionDelay  time.Duration
	sweepLimiter  *rate.Limiter
	now           func() time.Time
}

func NewService(st store.Store, sender mail.Sender, logger *slog.Logger, opts Options) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	catalog, err := mission.DefaultCatalog()
	if err != nil {
		return nil, fmt.Errorf("load mission catalog: %w", err)
	}
	s := &Service{
		store:        st,
		mail:         sender,
		log:          logger,
		tracer:       otel.Tracer("stardust/internal/game"),
		catalog:      catalog,
		from:         opts.MailFrom,
		replyTo:      opts.MailReplyTo,
		replyReward:  opts.ReplyReward,
		welcomeBonus: opts.WelcomeBonus,
		missionDelay: opts.MissionDelay,
		sweepLimiter: opts.SweepLimiter,
		now:          opts.Now,
	}
	if s.replyReward <= 0 {
		s.replyReward = DefaultReplyReward
	}
	if s.welcomeBonus <= 0 {
		s.welcomeBonus = DefaultWelcomeBonus
	}
	if s.missionDelay <= 0 {
		s.missionDelay = 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type defaultSecret struct {
	Code    string
	Title   string
	Content string
	Cost    int64
}

var defaultSecrets = []defaultSecret{
	{"first-hiccup", "The First Hiccup", "The Society's first recorded probability hiccup was a vending machine that returned the same coin forty times in a row.", 30},
	{"letta-desk", "Letta's Desk", "Letta keeps one drawer locked. It holds every strange thing a member has ever reported, filed by the hour it happened.", 60},
	{"unroyal-charter", "The Unroyal Charter", "There is no charter. There was one, briefly, and then it was lost in a way nobody could explain.", 100},
	{"stardust-origin", "Where Stardust Comes From", "Every reply bends the field a little. Stardust is the Society's word for what gets bent.", 150},
}

// SeedDefaults makes sure the default secrets exist. Safe to run on every start.
func (s *Service) SeedDefaults(ctx context.Context) error {
	return storeErr(s.store.InTx(ctx, func(r store.Repository) error {
		for _, d := range defaultSecrets {
			if err := r.UpsertSecret(ctx, store.Secret{
				ID:       uuid.NewString(),
				Code:     d.Code,
				Title:    d.Title,
				Content:  d.Content,
				Cost:     d.Cost,
				IsActive: true,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

// createPlayer inserts a player with a fresh token and credits the welcome bonus.
func (s *Service) createPlayer(ctx context.Context, r store.Repository, email string, now time.Time) (store.Player, error) {
	token, err := newPlayerToken()
	if err != nil {
		return store.Player{}, err
	}
	p := store.Player{ID: uuid.NewString(), Email: email, Token: token, CreatedAt: now}
	if err := r.CreatePlayer(ctx, p); err != nil {
		return store.Player{}, err
	}
	_, balance, err := ledger.Post(ctx, r, ledger.Entry{
		PlayerID: p.ID,
		Amount:   s.welcomeBonus,
		Type:     ledger.Earn,
		Reason:   WelcomeReason,
	}, now)
	if err != nil {
		return store.Player{}, err
	}
	p.Balance = balance
	return p, nil
}

// Signup registers an email and sends mission 1. An existing player who has not moved
// past mission 1 gets it again.
func (s *Service) Signup(ctx context.Context, rawEmail string) (SignupResult, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return SignupResult{}, err
	}

	existing, err := s.store.PlayerByEmail(ctx, email)
	switch {
	case err == nil:
		out := SignupResult{PlayerID: existing.ID}
		prog, err := s.store.Progress(ctx, existing.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return out, storeErr(err)
		}
		if errors.Is(err, store.ErrNotFound) || prog.CurrentMission == 1 {
			out.MissionSent = s.sendFirstMission(ctx, existing.ID)
		}
		return out, nil
	case !errors.Is(err, store.ErrNotFound):
		return SignupResult{}, storeErr(err)
	}

	var created store.Player
	err = s.store.InTx(ctx, func(r store.Repository) error {
		p, err := s.createPlayer(ctx, r, email, s.clock())
		created = p
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		// Lost a race with a concurrent signup for the same address.
		return s.Signup(ctx, email)
	}
	if err != nil {
		return SignupResult{}, storeErr(err)
	}
	s.log.Info("player signed up", "player_id", created.ID)

	return SignupResult{
		PlayerID:    created.ID,
		Created:     true,
		MissionSent: s.sendFirstMission(ctx, created.ID),
	}, nil
}

func (s *Service) sendFirstMission(ctx context.Context, playerID string) bool {
	if _, err := s.Dispatch(ctx, playerID, 1); err != nil {
		s.log.Warn("mission 1 not sent", "player_id", playerID, "err", err)
		return false
	}
	return true
}

// EnsurePlayer returns the player for email, creating it (with the welcome bonus) if needed.
func (s *Service) EnsurePlayer(ctx context.Context, rawEmail string) (store.Player, bool, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return store.Player{}, false, err
	}
	if p, err := s.store.PlayerByEmail(ctx, email); err == nil {
		return p, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Player{}, false, storeErr(err)
	}

	var created store.Player
	err = s.store.InTx(ctx, func(r store.Repository) error {
		p, err := s.createPlayer(ctx, r, email, s.clock())
		created = p
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		p, err := s.store.PlayerByEmail(ctx, email)
		return p, false, storeErr(err)
	}
	if err != nil {
		return store.Player{}, false, storeErr(err)
	}
	return created, true, nil
}

func (s *Service) playerByEmail(ctx context.Context, r store.Repository, rawEmail string) (store.Player, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return store.Player{}, err
	}
	p, err := r.PlayerByEmail(ctx, email)
	if err != nil {
		return store.Player{}, notFoundAs(err, ErrPlayerNotFound)
	}
	return p, nil
}

func (s *Service) Earn(ctx context.Context, in EarnInput) (EarnResult, error) {
	if in.Amount <= 0 {
		return EarnResult{}, ErrInvalidAmount
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = DefaultEarnReason
	}

	var out EarnResult
	err := s.store.InTx(ctx, func(r store.Repository) error {
		p, err := s.playerByEmail(ctx, r, in.Email)
		if err != nil {
			return err
		}
		entry, balance, err := ledger.Post(ctx, r, ledger.Entry{
			PlayerID: p.ID,
			Amount:   in.Amount,
			Type:     ledger.Earn,
			Reason:   reason,
			Metadata: in.Metadata,
		}, s.clock())
		if err != nil {
			return err
		}
		out = EarnResult{NewBalance: balance, Transaction: entry}
		return nil
	})
	if err != nil {
		return EarnResult{}, storeErr(err)
	}
	return out, nil
}

// Spend unlocks a secret for the player, paying its cost from the ledger balance.
func (s *Service) Spend(ctx context.Context, email, secretCode string) (SpendResult, error) {
	secretCode = strings.TrimSpace(secretCode)
	if secretCode == "" {
		return SpendResult{}, fmt.Errorf("%w: secret_code is required", ErrValidation)
	}

	var out SpendResult
	err := s.store.InTx(ctx, func(r store.Repository) error {
		p, err := s.playerByEmail(ctx, r, email)
		if err != nil {
			return err
		}
		secret, err := r.ActiveSecretByCode(ctx, secretCode)
		if err != nil {
			return notFoundAs(err, ErrSecretNotFound)
		}
		unlocked, err := r.HasUnlock(ctx, p.ID, UnlockTypeSecret, secret.ID)
		if err != nil {
			return err
		}
		if unlocked {
			return ErrAlreadyUnlocked
		}
		entries, err := r.LedgerEntries(ctx, p.ID)
		if err != nil {
			return err
		}
		if have := ledger.Balance(entries); have < secret.Cost {
			return fmt.Errorf("%w: balance %d, cost %d", ErrInsufficientFunds, have, secret.Cost)
		}

		now := s.clock()
		_, balance, err := ledger.Post(ctx, r, ledger.Entry{
			PlayerID: p.ID,
			Amount:   secret.Cost,
			Type:     ledger.Spend,
			Reason:   "Unlocked: " + secret.Title,
			Metadata: map[string]any{"secret_code": secret.Code, "secret_id": secret.ID},
		}, now)
		if err != nil {
			return err
		}
		if err := r.InsertUnlock(ctx, store.Unlock{
			ID:         uuid.NewString(),
			PlayerID:   p.ID,
			UnlockType: UnlockTypeSecret,
			RefID:      secret.ID,
			CreatedAt:  now,
		}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrAlreadyUnlocked
			}
			return err
		}
		out = SpendResult{Secret: secret, NewBalance: balance}
		return nil
	})
	if err != nil {
		return SpendResult{}, storeErr(err)
	}
	return out, nil
}

// PlayerState lists active secrets, cheapest first. Content is only shown once unlocked.
func (s *Service) PlayerState(ctx context.Context, email string) (PlayerState, error) {
	p, err := s.playerByEmail(ctx, s.store, email)
	if err != nil {
		return PlayerState{}, err
	}
	secrets, err := s.store.ListActiveSecrets(ctx)
	if err != nil {
		return PlayerState{}, storeErr(err)
	}
	refs, err := s.store.ListUnlockRefs(ctx, p.ID, UnlockTypeSecret)
	if err != nil {
		return PlayerState{}, storeErr(err)
	}
	unlocked := make(map[string]bool, len(refs))
	for _, ref := range refs {
		unlocked[ref] = true
	}

	out := PlayerState{
		Player:  PlayerSummary{Email: p.Email, Balance: p.Balance},
		Secrets: make([]SecretView, 0, len(secrets)),
	}
	for _, sec := range secrets {
		v := SecretView{ID: sec.ID, Code: sec.Code, Title: sec.Title, Cost: sec.Cost, Unlocked: unlocked[sec.ID]}
		if v.Unlocked {
			v.Content = sec.Content
		}
		out.Secrets = append(out.Secrets, v)
	}
	return out, nil
}

func (s *Service) SaveReflection(ctx context.Context, email, text string) (store.Reflection, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Reflection{}, ErrEmptyReflection
	}
	if utf8.RuneCountInString(text) > MaxReflectionChars {
		return store.Reflection{}, ErrReflectionTooLong
	}
	p, err := s.playerByEmail(ctx, s.store, email)
	if err != nil {
		return store.Reflection{}, err
	}
	ref := store.Reflection{ID: uuid.NewString(), PlayerID: p.ID, Text: text, CreatedAt: s.clock()}
	if err := s.store.InsertReflection(ctx, ref); err != nil {
		return store.Reflection{}, storeErr(err)
	}
	return ref, nil
}

// ListPlayers is the operator view, newest player first.
func (s *Service) ListPlayers(ctx context.Context) ([]AdminPlayerRow, error) {
	players, err := s.store.ListPlayers(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]AdminPlayerRow, 0, len(players))
	for _, p := range players {
		row := AdminPlayerRow{PlayerOverview: p, SuggestedNextMission: 1}
		if p.Progress != nil {
			row.SuggestedNextMission = mission.SuggestedNext(p.Progress.CurrentMission)
		}
		out = append(out, row)
	}
	return out, nil
}
