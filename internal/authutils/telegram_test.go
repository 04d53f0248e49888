package authutils_test

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"testing"
	"time"

	"companion-server/internal/authutils"
	"companion-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testBotToken = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"

// buildInitData собирает подписанную строку initData для теста.
func buildInitData(t *testing.T, botToken string, authDate time.Time) string {
	t.Helper()
	values := url.Values{}
	values.Set("user", `{"id":279058397,"first_name":"Vladislav","username":"vdkfrost"}`)
	values.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	values.Set("query_id", "AAHdF6IQAAAAAN0XohDhrOrc")
	values.Set("chat_type", "private")
	values.Set("hash", authutils.Sign(values, botToken))
	return values.Encode()
}

func TestInitDataVerifier_Verify(t *testing.T) {
	verifier, err := authutils.NewInitDataVerifier(testBotToken, 24*time.Hour, zap.NewNop())
	require.NoError(t, err)

	t.Run("Valid initData", func(t *testing.T) {
		initData := buildInitData(t, testBotToken, time.Now())

		user, err := verifier.Verify(initData)
		require.NoError(t, err)
		assert.Equal(t, int64(279058397), user.ID)
		assert.Equal(t, "Vladislav", user.FirstName)
		assert.Equal(t, "vdkfrost", user.Username)
	})

	t.Run("Signed with a different bot token", func(t *testing.T) {
		initData := buildInitData(t, "999:other-bot-token", time.Now())

		_, err := verifier.Verify(initData)
		assert.ErrorIs(t, err, models.ErrInvalidSignature)
	})

	t.Run("Tampered field invalidates signature", func(t *testing.T) {
		initData := buildInitData(t, testBotToken, time.Now())
		values, parseErr := url.ParseQuery(initData)
		require.NoError(t, parseErr)
		values.Set("user", `{"id":1,"first_name":"Mallory","username":"mallory"}`)

		_, err := verifier.Verify(values.Encode())
		assert.ErrorIs(t, err, models.ErrInvalidSignature)
	})

	t.Run("Every flipped bit of the hash is rejected", func(t *testing.T) {
		initData := buildInitData(t, testBotToken, time.Now())
		values, parseErr := url.ParseQuery(initData)
		require.NoError(t, parseErr)
		hash := values.Get("hash")

		for i := 0; i < len(hash); i++ {
			mutated := []byte(hash)
			if mutated[i] == 'a' {
				mutated[i] = 'b'
			} else {
				mutated[i] = 'a'
			}
			if string(mutated) == hash {
				continue
			}
			values.Set("hash", string(mutated))
			_, err := verifier.Verify(values.Encode())
			assert.ErrorIs(t, err, models.ErrInvalidSignature, fmt.Sprintf("position %d", i))
		}
	})

	t.Run("Missing hash", func(t *testing.T) {
		values := url.Values{}
		values.Set("user", `{"id":1}`)
		values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))

		_, err := verifier.Verify(values.Encode())
		assert.ErrorIs(t, err, models.ErrInvalidSignature)
	})

	t.Run("Expired auth_date", func(t *testing.T) {
		initData := buildInitData(t, testBotToken, time.Now().Add(-48*time.Hour))

		_, err := verifier.Verify(initData)
		assert.ErrorIs(t, err, models.ErrTokenExpired)
	})

	t.Run("Age check disabled", func(t *testing.T) {
		noAgeVerifier, err := authutils.NewInitDataVerifier(testBotToken, 0, nil)
		require.NoError(t, err)
		initData := buildInitData(t, testBotToken, time.Now().Add(-48*time.Hour))

		user, err := noAgeVerifier.Verify(initData)
		require.NoError(t, err)
		assert.Equal(t, int64(279058397), user.ID)
	})

	t.Run("Missing user field", func(t *testing.T) {
		values := url.Values{}
		values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
		values.Set("hash", authutils.Sign(values, testBotToken))

		_, err := verifier.Verify(values.Encode())
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrInvalidSignature))
	})
}

func TestNewInitDataVerifier_EmptyToken(t *testing.T) {
	_, err := authutils.NewInitDataVerifier("", time.Hour, nil)
	assert.Error(t, err)
}
