package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/Tyrowin/nexus/internal/logging"
	"github.com/Tyrowin/nexus/internal/notify"
	"github.com/Tyrowin/nexus/internal/router"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenPostgres connects to PostgreSQL, configures the pool and verifies the
// connection.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*sql.DB, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	logging.Component(logger, "store").Info("connecting to postgres", "dsn", redactDSN(databaseURL))

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// redactDSN masks the password of a connection URL for logging.
func redactDSN(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "(invalid DATABASE_URL)"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

// Postgres implements the collaborators on a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const relationQuery = `
	SELECT
		EXISTS (SELECT 1 FROM friendships WHERE user_id = $1 AND friend_id = $2),
		EXISTS (SELECT 1 FROM user_blocks
			WHERE (blocker_id = $1 AND blocked_id = $2) OR (blocker_id = $2 AND blocked_id = $1))
`

// CanMessage applies the recipient's whoCanMessage rule.
func (p *Postgres) CanMessage(ctx context.Context, senderID, recipientID string) (bool, error) {
	privacy, err := p.Privacy(ctx, recipientID)
	if err != nil {
		return false, err
	}
	return p.check(ctx, privacy.WhoCanMessage, senderID, recipientID)
}

// CanCall applies the callee's whoCanCall rule.
func (p *Postgres) CanCall(ctx context.Context, callerID, calleeID string) (bool, error) {
	privacy, err := p.Privacy(ctx, calleeID)
	if err != nil {
		return false, err
	}
	return p.check(ctx, privacy.WhoCanCall, callerID, calleeID)
}

func (p *Postgres) check(ctx context.Context, audience Audience, from, to string) (bool, error) {
	var areFriends, blocked bool
	if err := p.db.QueryRowContext(ctx, relationQuery, from, to).Scan(&areFriends, &blocked); err != nil {
		return false, fmt.Errorf("failed to load relation %s -> %s: %w", from, to, err)
	}
	return allowed(audience, areFriends, blocked), nil
}

// Privacy returns a user's settings, or the defaults when none are stored.
func (p *Postgres) Privacy(ctx context.Context, userID string) (Privacy, error) {
	var msg, call string
	err := p.db.QueryRowContext(ctx,
		`SELECT who_can_message, who_can_call FROM user_privacy WHERE user_id = $1`,
		userID,
	).Scan(&msg, &call)
	if err == sql.ErrNoRows {
		return DefaultPrivacy(), nil
	}
	if err != nil {
		return Privacy{}, fmt.Errorf("failed to load privacy for %s: %w", userID, err)
	}
	return Privacy{WhoCanMessage: Audience(msg), WhoCanCall: Audience(call)}, nil
}

// SetPrivacy upserts a user's privacy settings.
func (p *Postgres) SetPrivacy(ctx context.Context, userID string, privacy Privacy) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_privacy (user_id, who_can_message, who_can_call)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET who_can_message = EXCLUDED.who_can_message, who_can_call = EXCLUDED.who_can_call, updated_at = now()
	`, userID, string(privacy.WhoCanMessage), string(privacy.WhoCanCall))
	if err != nil {
		return fmt.Errorf("failed to save privacy for %s: %w", userID, err)
	}
	return nil
}

// AddFriendship records a mutual friendship.
func (p *Postgres) AddFriendship(ctx context.Context, a, b string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO friendships (user_id, friend_id) VALUES ($1, $2), ($2, $1)
		ON CONFLICT DO NOTHING
	`, a, b)
	if err != nil {
		return fmt.Errorf("failed to add friendship %s <-> %s: %w", a, b, err)
	}
	return nil
}

// Block records that blocker blocked blocked.
func (p *Postgres) Block(ctx context.Context, blocker, blocked string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO user_blocks (blocker_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		blocker, blocked,
	)
	if err != nil {
		return fmt.Errorf("failed to block %s for %s: %w", blocked, blocker, err)
	}
	return nil
}

// FriendsOf returns userID's friends ordered by id.
func (p *Postgres) FriendsOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT friend_id FROM friendships WHERE user_id = $1 ORDER BY friend_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends of %s: %w", userID, err)
	}
	defer rows.Close()

	var friends []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan friend: %w", err)
		}
		friends = append(friends, id)
	}
	return friends, rows.Err()
}

// NotificationPrefs returns the user's toggles, all enabled by default.
func (p *Postgres) NotificationPrefs(ctx context.Context, userID string) (notify.Prefs, error) {
	var prefs notify.Prefs
	err := p.db.QueryRowContext(ctx,
		`SELECT messages, calls, mentions, friend_requests FROM notification_settings WHERE user_id = $1`,
		userID,
	).Scan(&prefs.Messages, &prefs.Calls, &prefs.Mentions, &prefs.FriendRequests)
	if err == sql.ErrNoRows {
		return notify.DefaultPrefs(), nil
	}
	if err != nil {
		return notify.Prefs{}, fmt.Errorf("failed to load notification settings for %s: %w", userID, err)
	}
	return prefs, nil
}

// SetNotificationPrefs upserts a user's toggles.
func (p *Postgres) SetNotificationPrefs(ctx context.Context, userID string, prefs notify.Prefs) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notification_settings (user_id, messages, calls, mentions, friend_requests)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET messages = EXCLUDED.messages, calls = EXCLUDED.calls,
			mentions = EXCLUDED.mentions, friend_requests = EXCLUDED.friend_requests
	`, userID, prefs.Messages, prefs.Calls, prefs.Mentions, prefs.FriendRequests)
	if err != nil {
		return fmt.Errorf("failed to save notification settings for %s: %w", userID, err)
	}
	return nil
}

// EnqueueOfflineMessage stores env for later delivery.
func (p *Postgres) EnqueueOfflineMessage(ctx context.Context, recipientID string, env router.Envelope) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offline_messages (recipient_id, conversation_id, sender_id, seq, payload, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, recipientID, env.ConversationID, env.SenderID, int64(env.Sequence), jsonValue(env.Payload), env.SentAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue offline message for %s: %w", recipientID, err)
	}
	return nil
}

// OfflineMessages returns the recipient's queued envelopes in arrival order.
func (p *Postgres) OfflineMessages(ctx context.Context, recipientID string) ([]router.Envelope, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT conversation_id, sender_id, seq, payload, sent_at
		FROM offline_messages WHERE recipient_id = $1 ORDER BY id
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline messages for %s: %w", recipientID, err)
	}
	defer rows.Close()

	var out []router.Envelope
	for rows.Next() {
		var (
			env     router.Envelope
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&env.ConversationID, &env.SenderID, &seq, &payload, &env.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan offline message: %w", err)
		}
		env.RecipientID = recipientID
		env.Sequence = uint64(seq)
		env.Payload = payload
		out = append(out, env)
	}
	return out, rows.Err()
}

// RecordNotification stores a notification for push or badge delivery.
func (p *Postgres) RecordNotification(ctx context.Context, userID string, kind notify.Kind, payload json.RawMessage) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO notifications (user_id, kind, payload) VALUES ($1, $2, $3)`,
		userID, string(kind), jsonValue(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to record notification for %s: %w", userID, err)
	}
	return nil
}

// UnreadNotifications returns the kinds of the user's unread notifications,
// newest first.
func (p *Postgres) UnreadNotifications(ctx context.Context, userID string) ([]notify.Kind, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT kind FROM notifications WHERE user_id = $1 AND NOT read ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications for %s: %w", userID, err)
	}
	defer rows.Close()

	var kinds []notify.Kind
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		kinds = append(kinds, notify.Kind(k))
	}
	return kinds, rows.Err()
}

// jsonValue maps an empty payload to SQL NULL.
func jsonValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
