package classify

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKnownCodes(t *testing.T) {
	tests := []struct {
		code     string
		category Category
		sub      SubCategory
		severity Severity
		retry    bool
		suppress time.Duration
		delay    time.Duration
	}{
		{"5.1.1", Permanent, Mailbox, High, false, 30 * 24 * time.Hour, 0},
		{"5.1.2", Permanent, Mailbox, Low, false, 7 * 24 * time.Hour, 0},
		{"5.7.1", Permanent, Security, High, false, 24 * time.Hour, 0},
		{"5.7.26", Permanent, Security, High, false, 24 * time.Hour, 0},
		{"5.2.2", Permanent, System, Medium, false, 3 * 24 * time.Hour, 0},
		{"5.6.0", Permanent, Content, Low, false, 3 * 24 * time.Hour, 0},
		{"4.2.1", Temporary, System, Medium, true, 0, 5 * time.Minute},
		{"4.3.0", Temporary, Network, Medium, true, 0, 15 * time.Minute},
		{"4.4.7", Temporary, Protocol, Low, true, 0, 30 * time.Minute},
		{"4.5.3", Temporary, Protocol, Low, true, 0, 10 * time.Minute},
		{"4.7.0", Temporary, Security, High, true, 0, 10 * time.Minute},
		{"4.1.1", Temporary, Mailbox, High, true, 0, 10 * time.Minute},
		{"2.0.0", Success, System, Medium, false, 0, 0},
		{"2.1.5", Success, Mailbox, Low, false, 0, 0},
		{"5.9.9", Permanent, System, Medium, false, 3 * 24 * time.Hour, 0},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			c := Classify(tt.code)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.sub, c.SubCategory)
			assert.Equal(t, tt.severity, c.Severity)
			assert.Equal(t, tt.retry, c.ShouldRetry)
			assert.Equal(t, tt.suppress, c.SuppressFor)
			assert.Equal(t, tt.delay, c.RetryDelay)
			assert.False(t, c.Fallback)
			assert.NoError(t, c.Err)
		})
	}
}

func TestClassifyFallback(t *testing.T) {
	for _, code := range []string{"", "   ", "5.1", "5.1.1.1", "a.b.c", "5..1", "3.1.1", "5.x.1", "-5.1.1", "5.+1.1", "5.1.1000", "550"} {
		t.Run(fmt.Sprintf("%q", code), func(t *testing.T) {
			c := Classify(code)
			assert.True(t, c.Fallback)
			assert.Equal(t, Temporary, c.Category)
			assert.Equal(t, Low, c.Severity)
			assert.True(t, c.ShouldRetry)
			assert.Equal(t, DelayDefault, c.RetryDelay)
			assert.Zero(t, c.SuppressFor)
			assert.Error(t, c.Err)
		})
	}
}

func TestFallbackIsDistinguishableFromTemporary(t *testing.T) {
	genuine := Classify("4.0.0")
	fb := Classify("garbage")
	assert.Equal(t, genuine.Category, fb.Category)
	assert.Equal(t, genuine.RetryDelay, fb.RetryDelay)
	assert.NotEqual(t, genuine.Fallback, fb.Fallback)
}

func TestClassifyIgnoresTrailingText(t *testing.T) {
	c := Classify("5.1.1 (bad destination mailbox address)")
	assert.Equal(t, Permanent, c.Category)
	assert.Equal(t, "5.1.1", c.Code)
}

func TestClassifyIsTotal(t *testing.T) {
	for class := 0; class <= 9; class++ {
		for subject := 0; subject <= 9; subject++ {
			for detail := 0; detail <= 30; detail++ {
				code := fmt.Sprintf("%d.%d.%d", class, subject, detail)
				c := Classify(code)

				require.NotEmpty(t, c.Category, code)
				require.NotEmpty(t, c.SubCategory, code)
				require.NotEmpty(t, c.Severity, code)

				switch c.Category {
				case Permanent:
					assert.False(t, c.ShouldRetry, code)
					assert.Positive(t, c.SuppressFor, code)
					assert.Zero(t, c.RetryDelay, code)
				case Temporary:
					assert.True(t, c.ShouldRetry, code)
					assert.Positive(t, c.RetryDelay, code)
					assert.Zero(t, c.SuppressFor, code)
				case Success:
					assert.False(t, c.ShouldRetry, code)
					assert.Zero(t, c.BaseDelay(), code)
				default:
					t.Fatalf("unexpected category %q for %s", c.Category, code)
				}

				wantFallback := class != 2 && class != 4 && class != 5
				assert.Equal(t, wantFallback, c.Fallback, code)

				if c.SubCategory == Security {
					assert.Equal(t, High, c.Severity, code)
				}

				assert.Equal(t, c, Classify(code), "classification must be deterministic")
			}
		}
	}
}

func TestBaseDelay(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Classify("4.2.0").BaseDelay())
	assert.Equal(t, 30*24*time.Hour, Classify("5.1.1").BaseDelay())
	assert.Zero(t, Classify("2.0.0").BaseDelay())
}

func TestParseStatusCode(t *testing.T) {
	sc, err := ParseStatusCode(" 4.7.26 ")
	require.NoError(t, err)
	assert.Equal(t, StatusCode{Class: 4, Subject: 7, Detail: 26}, sc)
	assert.Equal(t, "4.7.26", sc.String())

	_, err = ParseStatusCode("")
	assert.ErrorIs(t, err, ErrEmptyCode)

	_, err = ParseStatusCode("5.1")
	var me *MalformedCodeError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "5.1", me.Code)
}
