package main

import (
	tls_client "github.com/bogdanfinn/tls-client"
)

// NewClientForIdentity builds an HTTP client that presents the identity's
// browser fingerprint and routes through its egress. The client keeps no
// cookie jar: session cookies travel explicitly in each RequestContext.
func NewClientForIdentity(logger tls_client.Logger, id *Identity, timeoutSeconds int) (tls_client.HttpClient, error) {
	if logger == nil {
		logger = tls_client.NewNoopLogger()
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}

	profile := id.Fingerprint().Profile
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(timeoutSeconds),
		tls_client.WithClientProfile(profile.TLSProfile),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithNotFollowRedirects(),
	}

	if id.Egress != "" {
		options = append(options, tls_client.WithProxyUrl(id.Egress))
	}

	return tls_client.NewHttpClient(logger, options...)
}
