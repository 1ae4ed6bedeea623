// Package zdlog provides the structured logger shared by every zendriver
// package, wrapping go.uber.org/zap the way the rest of the example corpus
// does rather than threading printf-style LogFunc callbacks through the
// stack.
package zdlog

import "go.uber.org/zap"

// New builds a *zap.SugaredLogger suitable for a Browser. verbose selects
// zap's development config (human-readable, debug level, caller info);
// otherwise a production JSON config at info level is used.
func New(verbose bool) *zap.SugaredLogger {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		// zap's own default configs never fail to build; fall back to Nop
		// rather than propagate a logger construction error through every
		// call site that wants a logger.
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Nop returns a logger that discards everything, used as the default before
// a caller supplies one via a functional option.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
