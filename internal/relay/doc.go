// Package relay is the client side of the relay connection.
//
// A Client dials the relay over a websocket, answers the relay's challenge
// with a signature from the identity key, and then exchanges binary frames,
// one encoded envelope per frame.
//
// Pre-key bundle requests are answered on the same connection. The read loop
// hands those replies (and the errors the relay returns for them) to the
// waiting FetchBundle call; every other envelope is queued on Receive in
// arrival order.
package relay
