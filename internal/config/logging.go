package config

import (
	"context"
	"log/slog"
)

// Log logs the resolved settings in a granular way, skipping irrelevant ones
func Log(s *Settings) {
	LogWithLogger(s, slog.Default())
}

// LogWithLogger logs the resolved settings using the provided logger
func LogWithLogger(s *Settings, logger *slog.Logger) {
	ctx := context.Background()
	logger.InfoContext(ctx, "Config: transport", "value", s.Transport)
	if s.Transport == TransportSSE {
		logger.InfoContext(ctx, "Config: host", "value", s.Host)
		logger.InfoContext(ctx, "Config: port", "value", s.Port)
		logger.InfoContext(ctx, "Config: auth.type", "value", s.Auth.Type)
		switch s.Auth.Type {
		case AuthTypeBasic:
			logger.InfoContext(ctx, "Config: auth.basic.username", "value", s.Auth.Basic.Username)
			logger.InfoContext(ctx, "Config: auth.basic.password", "value", "****")
		case AuthTypeAPIKey:
			logger.InfoContext(ctx, "Config: auth.api_keys", "count", len(s.Auth.APIKeys))
		}
	}

	if s.Index.Dir == "" {
		logger.InfoContext(ctx, "Config: index.dir", "value", "(memory)")
	} else {
		logger.InfoContext(ctx, "Config: index.dir", "value", s.Index.Dir, "read_only", s.Index.ReadOnly)
	}
	logger.InfoContext(ctx, "Config: transaction", "isolation", s.Transaction.Isolation, "create_policy", s.Transaction.CreatePolicy)
	logger.InfoContext(ctx, "Config: cache.first_level", "value", s.Cache.FirstLevel)
	if s.Cache.Shared {
		logger.InfoContext(ctx, "Config: cache.shared", "invalidation_interval", s.Cache.InvalidationInterval)
	}
	logger.InfoContext(ctx, "Config: marshall", "max_depth", s.Marshall.MaxDepth, "filter_duplicates", s.Marshall.FilterDuplicates)
}

// Level returns the slog level named by s.LogLevel, info when unknown.
func (s *Settings) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// AuthSettingsLogValue returns a slog.Value for AuthSettings with masked data
func AuthSettingsLogValue(s AuthSettings) slog.Value {
	keys := make([]string, len(s.APIKeys))
	for i := range s.APIKeys {
		keys[i] = "****"
	}
	return slog.GroupValue(
		slog.String("type", s.Type),
		slog.String("username", s.Basic.Username),
		slog.Any("api_keys", keys),
	)
}

// SettingsLogValue returns a slog.Value for Settings with masked data
func SettingsLogValue(s Settings) slog.Value {
	return slog.GroupValue(
		slog.String("transport", s.Transport),
		slog.String("host", s.Host),
		slog.Int("port", s.Port),
		slog.Any("auth", AuthSettingsLogValue(s.Auth)),
		slog.Group("index",
			slog.String("dir", s.Index.Dir),
			slog.Bool("read_only", s.Index.ReadOnly),
			slog.Duration("lock_timeout", s.Index.LockTimeout),
			slog.Int("max_parallel_commits", s.Index.MaxParallelCommits),
		),
		slog.String("isolation", s.Transaction.Isolation),
		slog.String("create_policy", s.Transaction.CreatePolicy),
		slog.String("log_level", s.LogLevel),
	)
}
