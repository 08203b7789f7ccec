package config

type WorkerKeyStruct struct {
	// SealedAnswersQueue is drained by the backend into PostgreSQL.
	SealedAnswersQueue string
}

var WorkerKey = &WorkerKeyStruct{
	SealedAnswersQueue: "sealed_answers_queue",
}
