package store

import "fmt"

// ArtifactKey builds the composite key for an artifact row.
func ArtifactKey(taskID string, runID int, name string) string {
	return fmt.Sprintf("%s/%d/%s", taskID, runID, name)
}

// WorkerKey builds the composite key for a worker row.
func WorkerKey(provisionerID, workerType, workerGroup, workerID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", provisionerID, workerType, workerGroup, workerID)
}

// WorkerTypeKey builds the composite key for a worker-type row.
func WorkerTypeKey(provisionerID, workerType string) string {
	return fmt.Sprintf("%s/%s", provisionerID, workerType)
}
