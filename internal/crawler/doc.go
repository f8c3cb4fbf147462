// Package crawler defines the types and collaborator interfaces shared by the
// admission, dispatch, workflow, worker and storage subsystems of the catalog
// crawler.
package crawler
