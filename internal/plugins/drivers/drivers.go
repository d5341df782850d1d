// Package drivers registers every built-in plugin driver.
package drivers

import (
	_ "github.com/osvaldoandrade/fnbay/internal/plugins/authn/tikti"
	_ "github.com/osvaldoandrade/fnbay/internal/plugins/invocations/kv"
	_ "github.com/osvaldoandrade/fnbay/internal/plugins/invocations/postgres"
	_ "github.com/osvaldoandrade/fnbay/internal/plugins/messaging/kafka"
	_ "github.com/osvaldoandrade/fnbay/internal/plugins/messaging/none"
	_ "github.com/osvaldoandrade/fnbay/internal/plugins/persistence/redis"
)
