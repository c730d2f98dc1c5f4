package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamDefinitionKey returns the cache key for a published exam definition
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// SessionStartKey returns the cache key holding the countdown start timestamp
// (unix millis) of a candidate's attempt
func (r *CacheKeyStruct) SessionStartKey(examID, candidateID string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:session_start", candidateID, examID)
}

// SessionAnswersKey returns the hash of autosaved answers, field = question index
func (r *CacheKeyStruct) SessionAnswersKey(examID, candidateID string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:answers", candidateID, examID)
}

// SessionCodeKey returns the cache key for the autosaved free-form code
func (r *CacheKeyStruct) SessionCodeKey(examID, candidateID string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:code", candidateID, examID)
}

// SessionIDKey returns the cache key remembering which session ID owns an attempt
func (r *CacheKeyStruct) SessionIDKey(examID, candidateID string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:session_id", candidateID, examID)
}

// ParkedSubmissionKey marks an attempt whose submission is waiting in the
// parked queue and not yet in Postgres
func (r *CacheKeyStruct) ParkedSubmissionKey(examID, candidateID string) string {
	return fmt.Sprintf("candidate:%s:exam:%s:parked_submission", candidateID, examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
