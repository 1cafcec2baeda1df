package main

import (
	"errors"

	"github.com/cuemby/miel/pkg/errs"
)

func isErrConfigInvalid(err error) bool { return errors.Is(err, errs.ErrConfigInvalid) }
func isErrBindFailed(err error) bool    { return errors.Is(err, errs.ErrBindFailed) }
func isErrPrivilege(err error) bool     { return errors.Is(err, errs.ErrPrivilege) }
