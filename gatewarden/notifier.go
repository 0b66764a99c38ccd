package gatewarden

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

var dbNotifierSendTimeout = 5 * time.Second

// DBNotifier propagates cache invalidations between bot instances sharing
// one database. The postgres implementation uses LISTEN/NOTIFY; the sqlite
// implementation assumes a single instance and only forwards stop signals.
type DBNotifier interface {
	GuildChannelName() string

	// GuildInvalidated tells other instances to drop their cached decision
	// structures for the given guild
	GuildInvalidated(ctx context.Context, guildID string) bool

	BlacklistChannelName() string

	// BlacklistUpdated tells other instances to reload the global
	// blacklist from the database
	BlacklistUpdated(ctx context.Context) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all instances
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// should use this ID to filter out their own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(b *Gatewarden) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := b.logger.With(loggerNameKey, "db_notifier")
	switch b.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:         log,
			b:              b,
			sqliteNotifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			b:          b,
			logger:     log,
			pgNotifyID: notifyID,
		}, nil
	default:
		return nil, fmt.Errorf("invalid database type: %s", b.config.DatabaseType)
	}
}

// sqliteNotifier is the single-instance no-op notifier. SQLite deployments
// can't run multiple instances (single writer), so invalidations already
// happened locally by the time these methods are called.
type sqliteNotifier struct {
	logger         *slog.Logger
	b              *Gatewarden
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) GuildChannelName() string {
	return ""
}

func (s *sqliteNotifier) GuildInvalidated(
	_ context.Context,
	guildID string,
) bool {
	s.logger.Debug("guild invalidated", "guild_id", guildID)
	return true
}

func (sqliteNotifier) BlacklistChannelName() string {
	return ""
}

func (s *sqliteNotifier) BlacklistUpdated(_ context.Context) bool {
	s.logger.Debug("blacklist updated")
	return true
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.b.signalStop <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

type postgresNotifier struct {
	b          *Gatewarden
	logger     *slog.Logger
	pgNotifyID string
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) GuildChannelName() string {
	return postgresNotifyChannelGuildInvalidated
}

func (postgresNotifier) BlacklistChannelName() string {
	return postgresNotifyChannelBlacklistUpdated
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) GuildInvalidated(
	ctx context.Context,
	guildID string,
) bool {
	msg := newGuildInvalidatedMessage(p.ID(), guildID)
	notifyErr := p.b.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.GuildChannelName(),
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY for guild invalidation",
			tint.Err(notifyErr),
			"guild_id", guildID,
		)
		return false
	}
	p.logger.Info(
		"sent guild invalidation",
		"guild_id", guildID,
		"pg_notify_id", p.ID(),
	)
	return true
}

func (p *postgresNotifier) BlacklistUpdated(ctx context.Context) bool {
	notifyErr := p.b.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.BlacklistChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY for blacklist update",
			tint.Err(notifyErr),
		)
		return false
	}
	p.logger.Info("sent blacklist update", "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	notifyErr := p.b.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.StopChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY to stop bot",
			tint.Err(notifyErr),
		)
		return false
	}
	p.logger.Info("sent stop signal", "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.b.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}
		if notification.Payload == p.ID() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload",
				notification.Payload,
			)
			continue
		}

		switch channel {
		case p.GuildChannelName():
			notifierID, guildID := parseGuildInvalidatedMessage(notification.Payload)
			if notifierID == p.ID() {
				logger.Info("Received guild invalidation from self, ignoring")
				continue
			}
			p.b.gate.invalidateGuildLocal(guildID)
			logger.Info(
				"invalidated guild caches from postgres listener",
				"guild_id", guildID,
			)
		case p.BlacklistChannelName():
			logger.InfoContext(ctx, "Received notification to reload blacklist")
			if reloadErr := p.b.gate.LoadBlacklist(ctx); reloadErr != nil {
				logger.ErrorContext(
					ctx,
					"Error reloading blacklist",
					tint.Err(reloadErr),
				)
			}
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.b.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func parseGuildInvalidatedMessage(s string) (notifierID, guildID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newGuildInvalidatedMessage(notifierID string, guildID string) string {
	return strings.Join([]string{notifierID, guildID}, recordSeparator)
}
