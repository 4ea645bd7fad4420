// Package codec finalizes upscaled images into the requested output format.
//
// A Converter selects one Handler for the run's format when it is built. PNG,
// JPEG, GIF and BMP are encoded in-process; WEBP, TGA and DDS are delegated to
// an external converter binary. SameAsSource resolves the handler per file from
// the extension the input originally had.
package codec
