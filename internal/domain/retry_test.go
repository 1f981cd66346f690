package domain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := domain.RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 2*time.Second, p.Delay(0))
	assert.Equal(t, 4*time.Second, p.Delay(1))
	assert.Equal(t, 8*time.Second, p.Delay(2))
	// Capped at MaxDelay.
	assert.Equal(t, 30*time.Second, p.Delay(10))
	// Negative attempts behave like the first.
	assert.Equal(t, 2*time.Second, p.Delay(-1))
}

func TestRetryPolicy_DelayJitterBounds(t *testing.T) {
	p := domain.DefaultRetryPolicy()
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestRetryAllTransient(t *testing.T) {
	assert.False(t, domain.RetryAllTransient(nil))
	assert.False(t, domain.RetryAllTransient(context.Canceled))
	assert.False(t, domain.RetryAllTransient(domain.ErrInvalidArgument))
	assert.True(t, domain.RetryAllTransient(errors.New("connection reset")))
	assert.True(t, domain.RetryAllTransient(domain.ErrBrokerUnavailable))
}

func TestTriggerSpec_Validate(t *testing.T) {
	now := time.Now()
	assert.NoError(t, domain.TriggerSpec{Cron: "0 2 * * *"}.Validate())
	assert.NoError(t, domain.TriggerSpec{Every: time.Minute}.Validate())
	assert.NoError(t, domain.TriggerSpec{At: &now}.Validate())
	assert.Error(t, domain.TriggerSpec{}.Validate())
	assert.Error(t, domain.TriggerSpec{Cron: "0 2 * * *", Every: time.Minute}.Validate())
}

func TestTriggerSpec_Kind(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "cron", domain.TriggerSpec{Cron: "* * * * *"}.Kind())
	assert.Equal(t, "interval", domain.TriggerSpec{Every: time.Hour}.Kind())
	assert.Equal(t, "date", domain.TriggerSpec{At: &now}.Kind())
	assert.Equal(t, "", domain.TriggerSpec{}.Kind())
}
