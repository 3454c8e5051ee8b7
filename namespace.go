package durable

import "net/url"

// All persistent keys, bus channels and queue names are scoped by a
// namespace so multiple tenants or test suites can share the same storage.
// The namespace is URI-encoded before use.

const keyNamespacePrefix = "durable"

// nsPrefix returns the key prefix for a namespace, "durable:<ns>:".
func nsPrefix(namespace string) string {
	return keyNamespacePrefix + ":" + url.QueryEscape(namespace) + ":"
}

// busChannel returns the bus channel name for a namespace-scoped suffix,
// e.g. busChannel("prod", "execution:<id>").
func busChannel(namespace, suffix string) string {
	return nsPrefix(namespace) + suffix
}

// queueName suffixes a base queue name with the namespace unless the
// namespace is the default, e.g. "durable_executions:prod".
func queueName(base, namespace string) string {
	if namespace == "" || namespace == DefaultNamespace {
		return base
	}
	return base + ":" + url.QueryEscape(namespace)
}
