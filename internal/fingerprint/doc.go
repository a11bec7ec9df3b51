// Package fingerprint computes and compares Chromaprint-style acoustic
// hashes. It shells out to fpcalc for the hashing itself and provides the
// window plan, byte codec, and normalized Hamming metric the detector
// builds on.
package fingerprint
