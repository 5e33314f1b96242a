package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_DependsOnlyOnPrimarySecret(t *testing.T) {
	a := Credentials{Environment: EnvSandbox, SecretKey: "sk_test_one"}
	b := Credentials{Environment: EnvProduction, SecretKey: "sk_test_one", MerchantID: "m1"}
	c := Credentials{Environment: EnvSandbox, SecretKey: "sk_test_two"}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.NotContains(t, a.Fingerprint(), "sk_test_one", "fingerprints never contain the secret")
	assert.Len(t, a.Fingerprint(), 64)
}

func TestRedacted_NeverExposesSecrets(t *testing.T) {
	creds := Credentials{
		Environment:  EnvProduction,
		SecretKey:    "sk_live_supersecret1234",
		ClientSecret: "cs_live_othersecret5678",
		Password:     "hunter2",
	}
	redacted := creds.Redacted()

	assert.Equal(t, "production", redacted["environment"])
	assert.Equal(t, "****1234", redacted["secretKey"])
	assert.Equal(t, "****5678", redacted["clientSecret"])
	assert.Equal(t, "****ter2", redacted["password"])
	for _, v := range redacted {
		assert.NotContains(t, v, "supersecret")
		assert.NotContains(t, v, "othersecret")
	}
}

func TestRedacted_ShortSecretsFullyMasked(t *testing.T) {
	redacted := Credentials{Environment: EnvSandbox, APIKey: "abc"}.Redacted()
	assert.Equal(t, "****", redacted["apiKey"])
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusRequiresAction.Terminal())
}

func TestTypes_ClosedSet(t *testing.T) {
	types := Types()
	assert.Len(t, types, 5)
	joined := make([]string, len(types))
	for i, typ := range types {
		joined[i] = string(typ)
	}
	assert.Equal(t, "stripe,paypal,nmi,square,mercadopago", strings.Join(joined, ","))
}

func TestCapabilities_SupportsCurrency(t *testing.T) {
	unrestricted := Capabilities{}
	assert.True(t, unrestricted.SupportsCurrency("USD"))

	restricted := Capabilities{Currencies: []string{"USD", "CAD"}}
	assert.True(t, restricted.SupportsCurrency("CAD"))
	assert.False(t, restricted.SupportsCurrency("EUR"))
}
