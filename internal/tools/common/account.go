package common

import "strings"

// DefaultAccount is used when neither the request nor the server names one.
const DefaultAccount = "default"

// GetAccountFromArgs returns the "account" argument, else fallback (the
// server's configured account), else DefaultAccount. Blank names count as
// unset.
func GetAccountFromArgs(args map[string]any, fallback string) string {
	for _, name := range []string{argString(args, "account"), fallback} {
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	return DefaultAccount
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
