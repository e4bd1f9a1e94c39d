// Package tableau provides asset sources for the researcher: a REST client
// for Tableau Server and Tableau Cloud, and a directory of CSV files for
// offline use.
package tableau
