package gatewarden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Set via -ldflags at build time
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

var defaultLogWriter = os.Stdout

const settingsCacheKey = "settings"

// Gatewarden is the bot: it owns the database, the command gate, the
// Discord session, the backend API, and the message-handling pipeline
// that ties them together.
type Gatewarden struct {
	config *Config

	db      *gorm.DB
	writeDB DBI

	gate     *CommandGate
	registry *CommandRegistry
	discord  *Discord
	api      *API

	dbNotifier DBNotifier

	settings *LookupCache[BotSettings]

	// spamMu guards spamLimiters and spamOffenses
	spamMu       sync.Mutex
	spamLimiters map[string]*rate.Limiter
	spamOffenses map[string]int

	logger     *slog.Logger
	logHandler slog.Handler

	startedAt time.Time
	runMu     sync.Mutex

	// signalStop enables an explicit stop signal to be sent to the bot,
	// either locally or via NOTIFY from another instance
	signalStop chan struct{}
}

// New creates a Gatewarden instance from the given config: it connects to
// (and migrates) the database and assembles every component, but does not
// open the Discord session or start the API. Call Run for that.
func New(ctx context.Context, config *Config) (*Gatewarden, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	//
	default:
		return nil, fmt.Errorf(
			"invalid database type: %q (must be %q or %q)",
			config.DatabaseType, dbTypeSQLite, dbTypePostgres,
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Gatewarden{
		config:       config,
		spamLimiters: map[string]*rate.Limiter{},
		spamOffenses: map[string]int{},
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	db, err := CreateDB(ctx, config.DatabaseType, config.Database)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(
		db,
		b.logger,
		config.DatabaseType == dbTypePostgres,
	)

	gate, err := NewCommandGate(db, b.writeDB, b.logger, config.Cache)
	if err != nil {
		return nil, err
	}
	b.gate = gate

	settingsTTL := int(config.SettingsTTL.Seconds())
	settings, err := NewLookupCache[BotSettings](
		"bot_settings",
		CacheStrategyTimed,
		settingsTTL,
	)
	if err != nil {
		return nil, err
	}
	b.settings = settings

	b.registry = NewCommandRegistry()
	b.registerCommands()

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	b.discord = disc
	disc.b = b
	gate.SetManagerChecker(disc.memberIsManager)

	api, err := newAPI(b, config.API)
	if err != nil {
		return nil, err
	}
	b.api = api

	return b, nil
}

// Run opens the Discord gateway connection, starts the backend API and
// the cross-instance listeners, and blocks until ctx is canceled or a
// stop signal arrives.
func (b *Gatewarden) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	notifier, err := newDBNotifier(b)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	b.dbNotifier = notifier
	b.gate.SetNotifier(notifier)

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// the 'runtime' context, which triggers a graceful shutdown when
	// canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err = b.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	listeners, listenerCtx := errgroup.WithContext(ctx)
	for _, channel := range []string{
		notifier.GuildChannelName(),
		notifier.BlacklistChannelName(),
		notifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		listeners.Go(
			func() error {
				return notifier.Listen(listenerCtx, channel)
			},
		)
	}

	logger.InfoContext(ctx, "ready")

	<-ctx.Done()

	if listenErr := listeners.Wait(); listenErr != nil &&
		!errors.Is(listenErr, context.Canceled) {
		logger.Error("listener error", tint.Err(listenErr))
	}

	return b.shutdown()
}

// initRun loads persisted state and opens the Discord session.
func (b *Gatewarden) initRun(ctx context.Context) error {
	if err := b.gate.LoadBlacklist(ctx); err != nil {
		return err
	}

	settings, err := b.GetSettings(ctx)
	if err != nil {
		return err
	}

	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerMessageCreate()),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if settings.CustomStatus != "" {
		if statusErr := b.discord.updateCustomStatus(settings.CustomStatus); statusErr != nil {
			b.logger.Warn("unable to set custom status", tint.Err(statusErr))
		}
	}
	return nil
}

func (b *Gatewarden) shutdown() error {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer cancel()

	var errs []error

	if b.discord.session != nil {
		for _, removeHandler := range b.discord.discordgoRemoveHandlerFuncs {
			removeHandler()
		}
		if err := b.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	if b.api != nil {
		if err := b.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api: %w", err))
		}
	}

	sqlDB, err := b.db.DB()
	if err == nil {
		if closeErr := sqlDB.Close(); closeErr != nil {
			errs = append(errs, fmt.Errorf("error closing database: %w", closeErr))
		}
	}

	b.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Stop sends the bot a stop signal via its notifier.
func (b *Gatewarden) Stop(ctx context.Context) bool {
	if b.dbNotifier == nil {
		return false
	}
	return b.dbNotifier.Stop(ctx)
}

// GetSettings returns the persisted BotSettings, creating the row with
// defaults on first run. The result is cached with a TTL so settings
// changed by another instance are picked up without a notification.
func (b *Gatewarden) GetSettings(ctx context.Context) (BotSettings, error) {
	return b.settings.Do(
		ctx,
		settingsCacheKey,
		func(ctx context.Context) (BotSettings, error) {
			settings := DefaultBotSettings()
			err := b.db.WithContext(ctx).
				Where(&BotSettings{ModelUintID: ModelUintID{ID: 1}}).
				Attrs(settings).
				FirstOrCreate(&settings).Error
			if err != nil {
				return settings, fmt.Errorf("error loading bot settings: %w", err)
			}
			return settings, nil
		},
	)
}

// UpdateSettings persists the given settings and drops the cached copy.
func (b *Gatewarden) UpdateSettings(
	ctx context.Context,
	settings BotSettings,
) error {
	settings.ID = 1
	if _, err := b.writeDB.Save(ctx, &settings); err != nil {
		return fmt.Errorf("error saving bot settings: %w", err)
	}
	b.settings.Invalidate(settingsCacheKey)
	return nil
}

// Pause stops the bot from dispatching commands until Resume is called.
func (b *Gatewarden) Pause(ctx context.Context) error {
	settings, err := b.GetSettings(ctx)
	if err != nil {
		return err
	}
	settings.Paused = true
	return b.UpdateSettings(ctx, settings)
}

// Resume reverses Pause.
func (b *Gatewarden) Resume(ctx context.Context) error {
	settings, err := b.GetSettings(ctx)
	if err != nil {
		return err
	}
	settings.Paused = false
	return b.UpdateSettings(ctx, settings)
}

// checkSpam applies the per-user rate limit and returns true when the
// message should be dropped. Hitting the limit repeatedly, with no
// allowed message in between, adds the user to the global blacklist.
func (b *Gatewarden) checkSpam(
	ctx context.Context,
	userID string,
	settings BotSettings,
) (drop bool) {
	if settings.SpamLimitCount <= 0 || settings.SpamLimitWindow <= 0 {
		return false
	}

	b.spamMu.Lock()
	limiter, ok := b.spamLimiters[userID]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Limit(
				float64(settings.SpamLimitCount)/settings.SpamLimitWindow.Seconds(),
			),
			settings.SpamLimitCount,
		)
		b.spamLimiters[userID] = limiter
	}

	if limiter.Allow() {
		b.spamOffenses[userID] = 0
		b.spamMu.Unlock()
		return false
	}

	b.spamOffenses[userID]++
	offenses := b.spamOffenses[userID]
	b.spamMu.Unlock()

	b.logger.Warn(
		"user hit spam limit",
		"user_id", userID,
		"consecutive", offenses,
	)

	if settings.SpamAutoBlockThreshold > 0 &&
		offenses >= settings.SpamAutoBlockThreshold &&
		!b.gate.IsGloballyBlocked(userID) {
		if err := b.gate.SetGlobalBlock(ctx, userID); err != nil {
			b.logger.ErrorContext(
				ctx,
				"error auto-blocking user",
				tint.Err(err),
				"user_id", userID,
			)
		} else {
			b.logger.Warn("auto-blocked user for spam", "user_id", userID)
			b.notifyOwner(
				fmt.Sprintf("Auto-blocked user `%s` for spamming.", userID),
			)
		}
	}
	return true
}

// notifyOwner sends message to the configured notification channel, if any.
func (b *Gatewarden) notifyOwner(message string) {
	if b.config.Discord.NotificationChannelID == "" {
		return
	}
	if err := b.discord.channelMessageSend(
		b.config.Discord.NotificationChannelID,
		message,
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	); err != nil {
		b.logger.Error("unable to send owner notification", tint.Err(err))
	}
}

// stripPrefix removes the command prefix from message content, trying the
// default prefix, a bot mention, and the guild's custom prefixes. Returns
// the remaining content and whether any prefix matched.
func (b *Gatewarden) stripPrefix(
	ctx context.Context,
	m *discordgo.MessageCreate,
	botUserID string,
) (string, bool) {
	content := m.Content

	for _, mention := range []string{
		fmt.Sprintf("<@%s>", botUserID),
		fmt.Sprintf("<@!%s>", botUserID),
	} {
		if strings.HasPrefix(content, mention) {
			return strings.TrimSpace(strings.TrimPrefix(content, mention)), true
		}
	}

	if strings.HasPrefix(content, b.config.Discord.DefaultPrefix) {
		return strings.TrimPrefix(content, b.config.Discord.DefaultPrefix), true
	}

	if m.GuildID != "" {
		prefixes, err := b.gate.Prefixes(ctx, m.GuildID)
		if err != nil {
			b.logger.ErrorContext(ctx, "error fetching prefixes", tint.Err(err))
			return "", false
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(content, prefix) {
				return strings.TrimPrefix(content, prefix), true
			}
		}
	}
	return "", false
}

// handleMessage is the full dispatch pipeline for an incoming message.
// Every rejection along the way is silent: a blocked, ignored, spamming
// or blacklisted invocation gets no reply at all.
func (b *Gatewarden) handleMessage(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	var botUserID string
	if s.State != nil && s.State.User != nil {
		botUserID = s.State.User.ID
	}
	if m.Author.ID == botUserID {
		return
	}

	ctx := WithLogger(context.Background(), b.logger)

	content, ok := b.stripPrefix(ctx, m, botUserID)
	if !ok {
		return
	}
	cmd, args, ok := b.registry.Resolve(content)
	if !ok {
		return
	}

	authorIsOwner := b.config.Discord.OwnerID != "" &&
		m.Author.ID == b.config.Discord.OwnerID

	// blocks apply before anything else, including the pause check, so a
	// blocked user can't distinguish a pause from a block
	if !authorIsOwner {
		if b.gate.IsGloballyBlocked(m.Author.ID) ||
			b.gate.IsGloballyBlocked(m.GuildID) {
			return
		}
	}

	settings, err := b.GetSettings(ctx)
	if err != nil {
		b.logger.ErrorContext(ctx, "error loading settings", tint.Err(err))
		return
	}
	if settings.Paused && !authorIsOwner {
		return
	}

	if !authorIsOwner && b.checkSpam(ctx, m.Author.ID, settings) {
		return
	}

	authorIsManager := authorIsOwner
	if m.GuildID != "" && !authorIsManager {
		authorIsManager = b.discord.memberIsManager(m.GuildID, m.Author.ID)
	}

	if m.GuildID != "" && !authorIsOwner {
		plonked, plonkErr := b.gate.IsPlonked(
			ctx,
			m.GuildID,
			m.Author.ID,
			m.ChannelID,
			true,
		)
		if plonkErr != nil {
			// can't verify, treat as ignored
			b.logger.ErrorContext(ctx, "plonk check failed", tint.Err(plonkErr))
			return
		}
		if plonked {
			return
		}
	}

	allowed, checkErr := b.gate.CheckInvocation(
		ctx, Invocation{
			GuildID:              m.GuildID,
			ChannelID:            m.ChannelID,
			AuthorID:             m.Author.ID,
			Command:              cmd.Name,
			AuthorIsOwner:        authorIsOwner,
			AuthorIsGuildManager: authorIsManager,
		},
	)
	if checkErr != nil {
		b.logger.ErrorContext(ctx, "invocation check failed", tint.Err(checkErr))
		return
	}
	if !allowed {
		return
	}

	c := &CommandContext{
		Context:              ctx,
		Session:              b.discord.session,
		Message:              m,
		Command:              cmd,
		Args:                 args,
		GuildID:              m.GuildID,
		ChannelID:            m.ChannelID,
		AuthorID:             m.Author.ID,
		AuthorIsOwner:        authorIsOwner,
		AuthorIsGuildManager: authorIsManager,
		bot:                  b,
	}

	if cmd.GuildOnly && m.GuildID == "" {
		_ = c.Reply(msgGuildOnly)
		return
	}
	if cmd.OwnerOnly && !authorIsOwner {
		_ = c.Reply(msgOwnerOnly)
		return
	}
	if cmd.RequireManager && !authorIsManager {
		_ = c.Reply(msgManagerOnly)
		return
	}

	b.logger.InfoContext(
		ctx,
		"dispatching command",
		"command", cmd.Name,
		"guild_id", m.GuildID,
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID,
	)
	if handlerErr := cmd.Handler(c); handlerErr != nil {
		b.logger.ErrorContext(
			ctx,
			"command handler error",
			tint.Err(handlerErr),
			"command", cmd.Name,
		)
		_ = c.Reply(msgSomethingWentWrong)
	}
}
