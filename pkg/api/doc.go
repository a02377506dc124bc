/*
Package api implements the provisioner HTTP API.

Every route lives under /v1 and speaks JSON. The server is a plain
net/http ServeMux using method-qualified patterns; each route carries
its operation name (used for metrics and logs), the scopes it requires
and whether it is rate limited.

# Routes

	PUT    /v1/worker-type/{workerType}                         createWorkerType
	POST   /v1/worker-type/{workerType}/update                  updateWorkerType
	GET    /v1/worker-type/{workerType}                         workerType
	DELETE /v1/worker-type/{workerType}                         removeWorkerType
	GET    /v1/worker-type/{workerType}/launch-specifications   getLaunchSpecs
	GET    /v1/list-worker-types                                listWorkerTypes
	GET    /v1/list-worker-type-summaries                       listWorkerTypeSummaries
	PUT    /v1/ami-set/{id}                                     createAmiSet
	POST   /v1/ami-set/{id}/update                              updateAmiSet
	GET    /v1/ami-set/{id}                                     amiSet
	DELETE /v1/ami-set/{id}                                     removeAmiSet
	GET    /v1/list-ami-sets                                    listAmiSets
	PUT    /v1/secret/{token}                                   createSecret
	GET    /v1/secret/{token}                                   getSecret
	DELETE /v1/secret/{token}                                   removeSecret
	GET    /v1/instance-started/{instanceId}/{token}            instanceStarted
	GET    /v1/state/{workerType}                               state
	PUT    /v1/state/{workerType}                               writeState
	GET    /v1/ping                                             ping

The health endpoints (/health, /ready, /metrics) are mounted next to
the API on the same listener.

# Request Pipeline

	request
	   │
	   ▼
	instrument ── request id, duration histogram, request counter
	   │
	   ▼
	requireScopes ── 403 InsufficientScopes unless AuthDisabled
	   │
	   ▼
	rateLimited ── per client host, 429 with Retry-After
	   │
	   ▼
	limitBody ── 1 MiB, 413 beyond that
	   │
	   ▼
	handler ── registry call, writeError on failure

# Authorization

Authentication happens in front of the provisioner. The proxy that
authenticates a caller forwards the scopes it holds in the
X-Provisioner-Scopes header, separated by commas or whitespace. A
granted scope ending in "*" satisfies every scope sharing its prefix, so
"aws-provisioner:*" grants everything. Secret redemption and instance
start reports are unauthenticated: the token in the path is the
credential.

# Errors

Failures are JSON bodies of the form

	{"error": "ResourceNotFound", "message": "...", "reasons": [...]}

with the status derived from the registry error: invalid input is 400,
a missing resource 404, a conflicting create 409 and an exhausted update
retry 503 with Retry-After. Anything else is logged and reported as 500
without detail.

# Usage

	srv := api.NewServer(reg, api.Config{
		RateLimitPerSecond: 5,
		RateLimitBurst:     10,
		Version:            version,
	})
	go func() {
		if err := srv.Start(":5556"); err != nil {
			log.Logger.Error().Err(err).Msg("API server stopped")
		}
	}()
	defer srv.Stop(ctx)
*/
package api
