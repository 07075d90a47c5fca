// Package source provides byte sources for asset loaders.
//
// A [Chain] searches an ordered list of sources and is the usual root
// source handed to asset.NewLoader. The other types adapt common backing
// locations: directories ([Dir]), io/fs filesystems such as embedded files
// ([FS]), go-billy filesystems ([Billy]), and wrappers that decompress
// ([Decompressed]) or keep a local copy ([Mirror]) of another source.
//
// All sources report a missing name with an error matching fs.ErrNotExist.
package source
