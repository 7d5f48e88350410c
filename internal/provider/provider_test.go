package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCall_Terminal(t *testing.T) {
	now := time.Now()
	assert.False(t, Call{Status: "ringing"}.Terminal())
	assert.True(t, Call{Status: "ended"}.Terminal())
	assert.True(t, Call{Status: "Completed"}.Terminal())
	assert.True(t, Call{Status: "in-progress", EndedAt: &now}.Terminal())
}

func TestNewError_Retryable(t *testing.T) {
	assert.True(t, NewError("get", 0, errors.New("dial")).Retryable)
	assert.True(t, NewError("get", 429, errors.New("slow down")).Retryable)
	assert.True(t, NewError("get", 503, errors.New("down")).Retryable)
	assert.False(t, NewError("create", 401, errors.New("auth")).Retryable)
	assert.False(t, NewError("create", 400, errors.New("bad number")).Retryable)
}

func TestIsRetryable_Wrapped(t *testing.T) {
	err := fmt.Errorf("poll: %w", NewError("get", 429, errors.New("rate")))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "provider get: status 404: not found", NewError("get", 404, errors.New("not found")).Error())
	assert.Equal(t, "provider get: eof", NewError("get", 0, errors.New("eof")).Error())
}

func TestValidateNumber(t *testing.T) {
	assert.NoError(t, ValidateNumber("+14155550100"))
	assert.ErrorIs(t, ValidateNumber("4155550100"), ErrInvalidNumber)
	assert.ErrorIs(t, ValidateNumber("+0123"), ErrInvalidNumber)
	assert.ErrorIs(t, ValidateNumber(""), ErrInvalidNumber)
}

type recordingProvider struct {
	Provider
	digits    []string
	ended     bool
	transfers []string
}

func (r *recordingProvider) SendDigit(_ context.Context, id, d string) error {
	r.digits = append(r.digits, id+":"+d)
	return nil
}
func (r *recordingProvider) EndCall(_ context.Context, id string) error { r.ended = true; return nil }
func (r *recordingProvider) TransferCall(_ context.Context, id, dest, msg string) error {
	r.transfers = append(r.transfers, id+":"+dest+":"+msg)
	return nil
}

func TestCallEffects_BindsCall(t *testing.T) {
	p := &recordingProvider{}
	fx := CallEffects{Provider: p, CallID: "c1", TransferMessage: "connecting you"}
	ctx := context.Background()
	assert.NoError(t, fx.SendDigit(ctx, "5"))
	assert.NoError(t, fx.EndCall(ctx))
	assert.NoError(t, fx.Transfer(ctx, "+14155550100"))
	assert.Equal(t, []string{"c1:5"}, p.digits)
	assert.True(t, p.ended)
	assert.Equal(t, []string{"c1:+14155550100:connecting you"}, p.transfers)
}
