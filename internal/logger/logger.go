package logger

import (
	"go.uber.org/zap"
)

// New builds the process logger and installs it as the zap global, so packages
// can log through zap.S() without threading a logger through every constructor.
func New(environment string) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if environment == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	return log, nil
}
