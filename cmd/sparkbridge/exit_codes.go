package main

import (
	"errors"

	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
)

const (
	exitOK = iota
	exitRuntime
	exitUsage
	exitAuth
	exitTimeout
	exitExtraction
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitRuntime
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func usageError(err error) error {
	return withExitCode(err, exitUsage)
}

func exitCodeForError(err error) int {
	if err == nil {
		return exitOK
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeAuthentication:
		return exitAuth
	case apperrors.ErrCodeTimeout:
		return exitTimeout
	case apperrors.ErrCodeExtraction:
		return exitExtraction
	case apperrors.ErrCodeConfigLoad, apperrors.ErrCodeConfigParse, apperrors.ErrCodeConfigInvalid, apperrors.ErrCodeInvalidInput:
		return exitUsage
	}
	return exitRuntime
}
