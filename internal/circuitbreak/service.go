package circuitbreak

import "github.com/wajeehaljunaid491/mimi-calls/internal/logging"

var CircuitBreakChan chan string

const (
	DBService            = "database"
	KafkaProducerService = "kafka_producer"
)

func Init() {
	CircuitBreakChan = make(chan string)
}

func TriggerError(service string) {
	if CircuitBreakChan == nil {
		logging.Logger.Fatal("call agent app is not created")
	}

	CircuitBreakChan <- service
}
