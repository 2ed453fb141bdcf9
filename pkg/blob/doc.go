/*
Package blob stores pipeline artifacts: the files a document was uploaded
with and every file the pipeline steps generate from them. Artifacts live
under an <index>/<document>/<name> hierarchy on either the local filesystem
or an S3 bucket, and a document delete removes the whole subtree.
*/
package blob
