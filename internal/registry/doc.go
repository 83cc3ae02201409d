// Package registry groups live connections into named channels and fans
// messages out to them.
//
// A [Registry] knows nothing about message content. Channels are created on
// first join and never need to be declared. Each connection belongs to at most
// one channel. [Registry.Broadcast] is best-effort: a connection that cannot
// accept a message within the write timeout is closed and dropped, and the
// other members are unaffected.
package registry
