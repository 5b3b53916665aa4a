// Package messaging implements direct messages between users: persistence, the domain
// service that fans every action out to live sockets and durable queues, and the HTTP API.
package messaging
