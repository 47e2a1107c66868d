// Package lexical provides the term-level half of hybrid search: an
// identifier-aware tokenizer, hashed sparse term vectors stored alongside
// dense vectors, and an Okapi BM25 scorer (k1=1.5, b=0.75) used to rescore
// candidate hits.
package lexical
