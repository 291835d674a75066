package broker

import "net/http"

// apiKeySigner attaches the broker API key as a bearer token. It implements
// apphttp.Signer.
type apiKeySigner struct {
	apiKey string
}

func (s apiKeySigner) SignRequest(req *http.Request) error {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	return nil
}
