// Package tool contains the HTTP-backed tools used by source nodes: a web
// page text extractor, a Wikipedia search and a blob fetcher for uploaded
// files. WebFetch and WikipediaSearch also satisfy langchaingo's tools.Tool.
package tool
