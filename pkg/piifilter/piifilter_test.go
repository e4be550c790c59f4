package piifilter

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanDetectsPatterns(t *testing.T) {
	cases := map[string]struct {
		value string
		kind  Kind
	}{
		"email":   {"kid@example.org", KindEmail},
		"phone":   {"+1 415 555 0134", KindPhone},
		"ssn":     {"123-45-6789", KindNationalID},
		"card":    {"4111 1111 1111 1111", KindCard},
		"ip":      {"192.168.10.4", KindIPAddress},
		"url":     {"https://example.org/p", KindURL},
		"freetxt": {"she helped her friend pick up books", KindFreeText},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			findings := Scan(map[string]interface{}{"v": tc.value})
			require.Len(t, findings, 1)
			assert.Equal(t, tc.kind, findings[0].Kind)
			assert.Equal(t, "v", findings[0].Field)
		})
	}
}

func TestScanIdentifyingKeys(t *testing.T) {
	findings := Scan(map[string]interface{}{
		"studentName":  "x",
		"Parent_Phone": "n/a",
		"prompt":       "p3",
	})
	require.Len(t, findings, 2)
	for _, f := range findings {
		assert.Equal(t, KindKey, f.Kind)
	}
}

func TestScanCleanMetadata(t *testing.T) {
	findings := Scan(map[string]interface{}{
		"prompt":   "share_circle",
		"duration": 12.5,
		"peer":     true,
		"step":     "2024-03-04",
		"group":    "blue team",
	})
	assert.Empty(t, findings)
}

func TestCardRequiresLuhn(t *testing.T) {
	assert.True(t, containsCard("4111111111111111"))
	assert.False(t, containsCard("4111111111111112"))
}

func TestStripRemovesOffendingKeys(t *testing.T) {
	clean, findings := Strip(map[string]interface{}{
		"email":  "a@b.co",
		"note2":  "x",
		"prompt": "circle",
		"link":   "www.example.org",
	})
	assert.Len(t, findings, 3)
	assert.Equal(t, map[string]interface{}{"prompt": "circle"}, clean)
}

func TestCheckShape(t *testing.T) {
	require.NoError(t, CheckShape(map[string]interface{}{"a": "b", "n": 3.0}, Limits{}))

	tooMany := map[string]interface{}{}
	for i := 0; i < 17; i++ {
		tooMany[string(rune('a'+i))] = i
	}
	assert.Error(t, CheckShape(tooMany, Limits{}))
	assert.Error(t, CheckShape(map[string]interface{}{"nested": map[string]interface{}{"a": 1}}, Limits{}))
	assert.Error(t, CheckShape(map[string]interface{}{"a": strings.Repeat("x", 65)}, Limits{}))
}

// Random metadata with an injected identifier must always be flagged.
func TestScanPropertyInjectedPII(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	injections := []string{
		"maria.lopez@school.edu",
		"call 0812 3456 7890",
		"078-05-1120",
		"5500 0000 0000 0004",
		"10.0.0.12",
		"http://tracker.example/x",
	}
	safeValues := []string{"circle", "warmup", "p1", "blue", "step_2", "ok"}

	for i := 0; i < 500; i++ {
		meta := map[string]interface{}{}
		for k := 0; k < rng.Intn(6); k++ {
			meta["k"+string(rune('a'+k))] = safeValues[rng.Intn(len(safeValues))]
		}
		field := "x" + string(rune('a'+rng.Intn(26)))
		meta[field] = injections[rng.Intn(len(injections))]

		findings := Scan(meta)
		require.NotEmpty(t, findings, "metadata %v", meta)

		clean, _ := Strip(meta)
		assert.Empty(t, Scan(clean))
		_, still := clean[field]
		assert.False(t, still)
	}
}

// Random UUIDs are identifiers, never phone or card numbers, whether bare or embedded.
func TestScanNeverFlagsUUIDs(t *testing.T) {
	for i := 0; i < 10000; i++ {
		id := uuid.NewString()
		require.Empty(t, ScanIdentifier("lessonId", id), id)
		require.Empty(t, ScanIdentifier("lessonId", strings.ToUpper(id)), id)
		require.Empty(t, ScanText("interactionType", id), id)
		require.Empty(t, Scan(map[string]interface{}{"ref": "lesson-" + id}), id)
	}
}

func TestScanUUIDsWithDigitOnlyGroups(t *testing.T) {
	for _, id := range []string{
		"12345678-1234-1234-1234-123456789012",
		"48607295-3346-4b3f-918f-f37011f26454",
		"00000000-0000-0000-0000-000000000000",
	} {
		assert.Empty(t, ScanIdentifier("lessonId", id), id)
		assert.Empty(t, ScanText("v", id), id)
	}
}

func TestPhoneNeedsStandaloneNumber(t *testing.T) {
	phones := []string{
		"+1 415 555 0134",
		"call 0812 3456 7890",
		"(021) 555-0134",
		"0812345678901",
		"+62-812-3456-7890",
	}
	for _, p := range phones {
		assert.True(t, containsPhone(p), p)
	}

	notPhones := []string{
		"step 2024-03-04",
		"a1234567-8901",
		"build1234567890x",
		"12345678",
		"1234567890123456789",
	}
	for _, p := range notPhones {
		assert.False(t, containsPhone(p), p)
	}
}

func TestScanIdentifierSkipsFreeTextButKeepsPatterns(t *testing.T) {
	assert.Empty(t, ScanIdentifier("lessonId", "unit one lesson two review"))
	assert.NotEmpty(t, ScanText("lessonId", "unit one lesson two review"))

	findings := ScanIdentifier("lessonId", "lesson for 0812 3456 7890")
	require.Len(t, findings, 1)
	assert.Equal(t, KindPhone, findings[0].Kind)

	findings = ScanIdentifier("lessonId", "kid@example.org")
	require.Len(t, findings, 1)
	assert.Equal(t, KindEmail, findings[0].Kind)
}
