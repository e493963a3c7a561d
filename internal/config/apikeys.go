package config

import (
	"os"
	"strings"
)

// LoadAPIKeysFromEnv scans env vars matching
// CONVERSATION_STORE_API_KEYS_<CLIENT_ID>=<key>[,<key>...] and returns a map
// from key value to client ID. Comma-separated values let a client rotate
// keys without downtime.
func LoadAPIKeysFromEnv() map[string]string {
	return loadAPIKeys(os.Environ())
}

func loadAPIKeys(environ []string) map[string]string {
	const prefix = "CONVERSATION_STORE_API_KEYS_"
	result := map[string]string{}
	for _, env := range environ {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		eqIdx := strings.IndexByte(env, '=')
		if eqIdx < 0 {
			continue
		}
		clientID := strings.ToLower(strings.TrimSpace(env[len(prefix):eqIdx]))
		if clientID == "" {
			continue
		}
		for _, key := range strings.Split(env[eqIdx+1:], ",") {
			keyValue := strings.TrimSpace(key)
			if keyValue == "" {
				continue
			}
			result[keyValue] = clientID
		}
	}
	return result
}
