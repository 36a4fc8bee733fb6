// Package provisioning talks to the downstream chat-platform that hosts
// tenant accounts. Restoring a suspended account must succeed before the
// local subscription flips to active; callers rely on errors from this
// package to keep that ordering.
package provisioning
