// Package frame defines the wire unit of the relay protocol.
//
// A frame is a JSON record with a kind (command, event, message, request,
// response), a name, an optional correlation uuid, and free-form data and
// meta records. Commands are consumed by the server; the other kinds are
// relayed between agents. Replies carry the correlation uuid of the frame
// they answer, and a request's reply is a response.
package frame
