// Package hash provides the CRC32-Castagnoli checksum of spill frames.
package hash
