package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/DEFRA/epr-subsidiary-func-bulk-upload-sub000/utils"
	"gorm.io/gorm"
)

func TestTranslateNotFound_MapsGormSentinel(t *testing.T) {
	err := translateNotFound(gorm.ErrRecordNotFound)
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("gorm not-found should translate to the shared sentinel, got %v", err)
	}

	wrapped := translateNotFound(fmt.Errorf("load run: %w", gorm.ErrRecordNotFound))
	if !errors.Is(wrapped, utils.ErrorRecordNotFound) {
		t.Fatalf("wrapped gorm not-found should also translate, got %v", wrapped)
	}
}

func TestTranslateNotFound_PassesOtherErrorsThrough(t *testing.T) {
	boom := errors.New("connection refused")
	if got := translateNotFound(boom); got != boom {
		t.Fatalf("unrelated errors must pass through unchanged, got %v", got)
	}
	if errors.Is(translateNotFound(boom), utils.ErrorRecordNotFound) {
		t.Fatalf("unrelated errors must not look like not-found")
	}
}
