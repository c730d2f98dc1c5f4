package config

type WorkerKeyStruct struct {
	PersistIntegrityQueue   string
	PersistAnswersQueue     string
	PersistSubmissionsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistIntegrityQueue:   "persist_integrity_queue",
	PersistAnswersQueue:     "persist_answers_queue",
	PersistSubmissionsQueue: "persist_submissions_queue",
}
