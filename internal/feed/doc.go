// Package feed moves sensor readings from the producer channel to the
// observer channel.
//
// A frame received on the ingest channel is decoded, persisted, cached as
// the latest reading and broadcast to every observer, in that order. An
// observer that joins is sent the cached reading, if any, before it can
// receive a broadcast. Rejected frames are answered with a diagnostic on
// the producer's own connection and never reach observers.
package feed
