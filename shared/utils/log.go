package utils

import (
	"context"

	"github.com/sirupsen/logrus"
)

type logKey struct{}

func LogToCtx(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}

// LogFromCtx returns the logger stored in ctx, or fallback when there is none.
func LogFromCtx(ctx context.Context, fallback logrus.FieldLogger) logrus.FieldLogger {
	if l, ok := ctx.Value(logKey{}).(logrus.FieldLogger); ok {
		return l
	}
	return fallback
}

func LogFieldsToCtx(ctx context.Context, fallback logrus.FieldLogger, fields logrus.Fields) (context.Context, logrus.FieldLogger) {
	logger := LogFromCtx(ctx, fallback).WithFields(fields)

	return LogToCtx(ctx, logger), logger
}
