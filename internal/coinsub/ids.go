package coinsub

import "strings"

// Prefixes CoinSub puts in front of its identifiers.
const (
	SessionPrefix   = "sess_"
	MerchantPrefix  = "mrch_"
	PaymentPrefix   = "paym_"
	AgreementPrefix = "agre_"
)

var knownPrefixes = []string{SessionPrefix, MerchantPrefix, PaymentPrefix, AgreementPrefix}

// StripPrefix removes one leading provider prefix from id, if present.
func StripPrefix(id string) string {
	id = strings.TrimSpace(id)
	for _, prefix := range knownPrefixes {
		if strings.HasPrefix(id, prefix) {
			return id[len(prefix):]
		}
	}
	return id
}

// SessionID normalises a purchase session id to its bare form.
func SessionID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), SessionPrefix)
}

// SessionVariants returns the bare and prefixed spellings of a session id,
// so lookups match whichever form was stored.
func SessionVariants(id string) []string {
	bare := SessionID(id)
	if bare == "" {
		return nil
	}
	return []string{bare, SessionPrefix + bare}
}

// SameMerchant compares two merchant ids ignoring the mrch_ prefix.
func SameMerchant(a, b string) bool {
	return strings.TrimPrefix(strings.TrimSpace(a), MerchantPrefix) == strings.TrimPrefix(strings.TrimSpace(b), MerchantPrefix)
}
