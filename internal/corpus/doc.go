// Package corpus defines the domain types and collaborator interfaces shared by
// the segment fetcher, record processor, shard writer, and orchestrator that
// build the Japanese Common Crawl corpus.
package corpus
