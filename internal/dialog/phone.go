package dialog

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// normalizePhone validates free-text phone input and returns it in
// E.164. The shop country code fills in the region when the customer
// omits the international prefix.
func normalizePhone(raw, countryCode string) (string, bool) {
	region := strings.ToUpper(strings.TrimSpace(countryCode))
	if region == "" {
		region = "ES"
	}
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), region)
	if err != nil {
		return "", false
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}
