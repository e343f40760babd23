package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionStartKey holds the unix start anchor of a student's exam session.
func (r *CacheKeyStruct) SessionStartKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:session_start", studentID, examID)
}

// SessionAnswersKey is the hash buffering a student's draft answers.
func (r *CacheKeyStruct) SessionAnswersKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:answers", studentID, examID)
}

// SessionProgressKey holds the last synced progress percentage.
func (r *CacheKeyStruct) SessionProgressKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:progress", studentID, examID)
}

// SessionStreamLockKey guards the single live stream of a student's attempt.
func (r *CacheKeyStruct) SessionStreamLockKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:stream_lock", studentID, examID)
}

// ExamDefinitionKey returns the cache key for an exam's full definition (answer key included).
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
