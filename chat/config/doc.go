// Package config loads chat relay settings from the process environment.
//
// Variables (defaults in brackets):
//
//	CHAT_ADDR                     listen address [:8081]
//	REDIS_URL                     ticket and status store [redis://localhost:6379/0]
//	CHAT_SOFT_CAP                 published soft occupancy cap [100]
//	CHAT_MAX_CAP                  published max occupancy cap [150]
//	CHAT_IDLE_TIMEOUT             evict sessions silent this long [2m]
//	CHAT_SWEEP_INTERVAL           idle sweep cadence [15s]
//	CHAT_STATUS_REFRESH_INTERVAL  periodic status republish, 0 disables [30s]
//	CHAT_STORE_TIMEOUT            bound on every store call [5s]
//	CHAT_MAX_MESSAGE_SIZE         inbound message limit in bytes [65536]
//	CHAT_TICKET_KEY_PREFIX        [queue:joining:]
//	CHAT_TICKET_INDEX_KEY         [queue:joining:tickets]
//	CHAT_WAITING_USER_KEY_PREFIX  [queue:waiting:user:]
//	CHAT_STATUS_KEY               [server:status]
//	LOG_LEVEL                     [info]
//	LOG_FORMAT                    json or console [json]
//
// Durations accept Go syntax ("90s", "2m"). A .env file, if present, is
// loaded into the environment by the command before Load runs.
package config
