/*
Package rabbitmq binds the broker transport contract to RabbitMQ through amqp091-go.
It maps exchange, queue, consume and confirm operations onto an AMQP channel and
translates AMQP failures into the pubsub error taxonomy: a 406 on redeclaration becomes
ErrConflict and connection or channel loss becomes ErrTransport.
*/
package rabbitmq
