package i18n

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEveryMessageIsTranslated(t *testing.T) {
	en := reflect.ValueOf(messagesEN)
	zh := reflect.ValueOf(messagesZH)
	for i := 0; i < en.NumField(); i++ {
		name := en.Type().Field(i).Name
		assert.NotEmpty(t, en.Field(i).String(), "en %s", name)
		assert.NotEmpty(t, zh.Field(i).String(), "zh %s", name)
	}
}

func TestSetLanguageAndGet(t *testing.T) {
	defer SetLanguage(LangEN)

	assert.Equal(t, "Position not found", Get("PositionNotFound"))
	SetLanguage(LangZH)
	assert.Equal(t, LangZH, GetLanguage())
	assert.Equal(t, "找不到持倉", M().PositionNotFound)
	assert.Equal(t, "NoSuchKey", Get("NoSuchKey"))
}
