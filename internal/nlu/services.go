package nlu

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/agendabot/agendabot/internal/shops"
)

var reListNumber = regexp.MustCompile(`^\d{1,2}$`)

// ChooseService picks a service from the shop's list by menu number,
// exact normalized name, prefix or substring, in that order. An
// interpreter suggestion acts as a second needle.
func ChooseService(shop *shops.Shop, message, aiSuggestion string) *shops.Service {
	if len(shop.Services) == 0 {
		return nil
	}

	txt := strings.TrimSpace(message)
	if reListNumber.MatchString(txt) {
		n, _ := strconv.Atoi(txt)
		if n >= 1 && n <= len(shop.Services) {
			return &shop.Services[n-1]
		}
	}

	needles := []string{MatchKey(message)}
	if aiSuggestion != "" {
		needles = append(needles, MatchKey(aiSuggestion))
	}

	keys := make([]string, len(shop.Services))
	for i, svc := range shop.Services {
		keys[i] = MatchKey(svc.Name)
	}

	for _, needle := range needles {
		if needle == "" {
			continue
		}
		for i, key := range keys {
			if needle == key {
				return &shop.Services[i]
			}
		}
	}
	for _, needle := range needles {
		if needle == "" {
			continue
		}
		for i, key := range keys {
			if strings.HasPrefix(key, needle) {
				return &shop.Services[i]
			}
		}
		for i, key := range keys {
			if strings.Contains(key, needle) {
				return &shop.Services[i]
			}
		}
	}
	return nil
}
